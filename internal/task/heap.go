// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package task

import (
	"container/heap"

	"github.com/pmelling/tagsmith/internal/models"
)

// queueEntry is one heap element. Lower priority dispatches first; seq breaks
// ties FIFO within a priority.
type queueEntry struct {
	priority models.TaskPriority
	seq      uint64
	taskID   string
}

type priorityQueue []queueEntry

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *priorityQueue) Push(x any) { *q = append(*q, x.(queueEntry)) }

func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	*q = old[:n-1]
	return entry
}

func (q *priorityQueue) push(entry queueEntry) { heap.Push(q, entry) }

func (q *priorityQueue) pop() (queueEntry, bool) {
	if q.Len() == 0 {
		return queueEntry{}, false
	}
	return heap.Pop(q).(queueEntry), true
}

// remove drops the entry for taskID, preserving heap order. Returns whether
// an entry was removed.
func (q *priorityQueue) remove(taskID string) bool {
	for i, entry := range *q {
		if entry.taskID == taskID {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}
