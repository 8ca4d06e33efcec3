// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

/*
Package websocket streams task lifecycle events to connected UI clients.

The hub subscribes to the task manager and turns every queued, started,
progress, completed, failed, and cancelled transition into one frame:

	{"type": "task", "data": {"event": "started", "task": {...}}}

It uses gorilla/websocket with a hub-and-spoke layout: the hub owns the
client set and fans broadcasts out in client-id order; each client runs a
read pump and a write pump. A client that cannot keep up is dropped rather
than allowed to backpressure the task manager.
*/
package websocket
