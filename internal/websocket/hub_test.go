// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"

	"github.com/pmelling/tagsmith/internal/models"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func testClient(hub *Hub, buffer int) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		send: make(chan Message, buffer),
	}
}

func TestTaskListenerBroadcastsFrame(t *testing.T) {
	hub := startHub(t)
	client := testClient(hub, 4)
	hub.Register <- client

	// The register channel handoff does not guarantee the hub processed it;
	// wait for the client count to settle.
	waitFor(t, func() bool { return hub.GetClientCount() == 1 })

	record := &models.TaskRecord{ID: "task-1", ActionID: "svc.work", Status: models.TaskRunning}
	hub.TaskListener()("started", record)

	select {
	case msg := <-client.send:
		if msg.Type != MessageTypeTask {
			t.Fatalf("message type = %q, want task", msg.Type)
		}
		frame, ok := msg.Data.(TaskFrame)
		if !ok {
			t.Fatalf("message data is %T, want TaskFrame", msg.Data)
		}
		if frame.Event != "started" || frame.Task.ID != "task-1" {
			t.Errorf("frame = %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := startHub(t)
	slow := testClient(hub, 0)
	healthy := testClient(hub, 4)
	hub.Register <- slow
	hub.Register <- healthy
	waitFor(t, func() bool { return hub.GetClientCount() == 2 })

	hub.TaskListener()("queued", &models.TaskRecord{ID: "task-2"})

	waitFor(t, func() bool { return hub.GetClientCount() == 1 })
	select {
	case _, ok := <-slow.send:
		if ok {
			t.Error("slow client received a frame, expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slow client channel never closed")
	}
	if len(healthy.send) != 1 {
		t.Errorf("healthy client buffered %d frames, want 1", len(healthy.send))
	}
}

func TestServeWSPingPong(t *testing.T) {
	hub := startHub(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if msg.Type != MessageTypePong {
		t.Errorf("reply type = %q, want pong", msg.Type)
	}
}

func TestServeWSReceivesTaskFrames(t *testing.T) {
	hub := startHub(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	waitFor(t, func() bool { return hub.GetClientCount() == 1 })
	hub.TaskListener()("completed", &models.TaskRecord{ID: "task-3", Status: models.TaskCompleted})

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msg.Type != MessageTypeTask {
		t.Fatalf("frame type = %q, want task", msg.Type)
	}
	var frame TaskFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Event != "completed" || frame.Task.ID != "task-3" {
		t.Errorf("frame = %+v", frame)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
