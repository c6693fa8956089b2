// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Statusrelay watches a status page RSS feed and relays incidents to a Telegram
or Slack channel.

Every incident is posted once. When the feed later reports a new status or
title for it, the same message is edited in place instead of posting a new
one. Incidents and the handles of their messages are kept in a store, so
restarts don't cause duplicates.

# Usage

	$ statusrelay [flags...] <command>

Commands:

  - run: poll the feed every interval until interrupted.
  - once: run a single pass and exit. Exits with a non-zero status if the feed
    could not be fetched.
  - check: verify the channel credentials without sending anything.
  - incidents: print the incidents in the store. Use -json for JSON output.

# Environment Variables

Most flags can also be set through environment variables. Besides those, the
following variables are read:

  - TELEGRAM_BOT_TOKEN, TELEGRAM_CHANNEL_ID: Telegram bot token and chat to
    post to. Required when CHANNEL is telegram.
  - TELEGRAM_API_URL: Bot API server, if not the public one.
  - SLACK_BOT_TOKEN, SLACK_CHANNEL_ID: Slack bot token and conversation to post
    to. Required when CHANNEL is slack.
  - SLACK_API_URL: Slack Web API endpoint, if not the public one.
  - STATE_DIRECTORY: where the lock file and the default store live. Defaults
    to $XDG_STATE_HOME/statusrelay or ~/.local/state/statusrelay.
  - ENV_FILE: dotenv file to read before startup, ".env" by default. Variables
    already present in the environment take precedence over the file.

# Store

The -store flag (DATABASE_PATH) selects where incidents are kept:

  - mem: keeps them in memory, forgotten on exit.
  - a path ending in .db, .sqlite or .sqlite3, or prefixed with sqlite:, is a
    SQLite database.
  - a postgres:// or postgresql:// URL is a PostgreSQL database.
  - any other path is a JSON file, written atomically with a few backups.

# Filters

On first sight, incidents that are already resolved are skipped unless
-only-active=false, and incidents older than -initial-days days are skipped
unless it is 0. Skipped incidents are not stored, so they are looked at again
on every pass.

The -rules flag names an optional Starlark file defining a function:

	def block_rule(incident):
	    return "maintenance" in incident.title.lower()

It is called for every new incident that passed the other filters and
receives a struct with id, title, status, body, link and last_updated fields.
If it returns true, the incident is not posted. Errors in the rule are logged
and the incident is posted anyway.

# Admin API

If -admin-addr is set, run also serves:

  - GET /health: health of the poll loop.
  - GET /metrics: Prometheus metrics.
  - GET /api/incidents: incidents in the store as JSON.
  - GET /api/status: state of the poll loop as JSON.
  - POST /api/poll: start a pass now. Answers 409 if one is in progress.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/statusrelay/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
