// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.astrophena.name/statusrelay/internal/poller"
	"go.astrophena.name/statusrelay/internal/web"
)

func (r *relay) adminMux(svc *service) *http.ServeMux {
	mux := http.NewServeMux()

	web.Health(mux).Add("poller", svc.poller)

	mux.Handle("GET /metrics", promhttp.HandlerFor(svc.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/incidents", func(w http.ResponseWriter, req *http.Request) {
		incidents, err := svc.store.All(req.Context())
		if err != nil {
			web.RespondJSONError(w, req, err)
			return
		}
		web.RespondJSON(w, incidents)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, req *http.Request) {
		web.RespondJSON(w, svc.poller.Status())
	})

	mux.HandleFunc("POST /api/poll", func(w http.ResponseWriter, req *http.Request) {
		if err := svc.poller.Trigger(req.Context()); err != nil {
			if errors.Is(err, poller.ErrBusy) {
				err = fmt.Errorf("%w: %w", web.ErrConflict, err)
			}
			web.RespondJSONError(w, req, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		web.RespondJSON(w, map[string]string{"status": "triggered"})
	})

	return mux
}
