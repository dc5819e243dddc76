package runlist

import (
	"reflect"
	"testing"
)

func TestLookup(t *testing.T) {
	rl := FromRuns([]Run{
		{VCN: 0, Len: 4, LCN: 100},
		{VCN: 4, Len: 4, LCN: SparseLCN},
		{VCN: 8, Len: 2, LCN: 0},
	})

	tests := []struct {
		name      string
		vcn       uint64
		lcn       uint64
		remaining uint64
		ok        bool
	}{
		{name: "Start of first run", vcn: 0, lcn: 100, remaining: 4, ok: true},
		{name: "Inside first run", vcn: 3, lcn: 103, remaining: 1, ok: true},
		{name: "Inside hole", vcn: 5, lcn: SparseLCN, remaining: 3, ok: true},
		{name: "Real cluster zero", vcn: 8, lcn: 0, remaining: 2, ok: true},
		{name: "Past coverage", vcn: 10, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lcn, remaining, ok := rl.Lookup(tt.vcn)
			if ok != tt.ok {
				t.Fatalf("Lookup(%d) ok = %v, want %v", tt.vcn, ok, tt.ok)
			}
			if !ok {
				return
			}
			if lcn != tt.lcn || remaining != tt.remaining {
				t.Errorf("Lookup(%d) = (%d, %d), want (%d, %d)", tt.vcn, lcn, remaining, tt.lcn, tt.remaining)
			}
		})
	}
}

func TestAddMergesAndSplits(t *testing.T) {
	tests := []struct {
		name     string
		initial  []Run
		add      Run
		expected []Run
	}{
		{
			name:     "Append contiguous merges",
			initial:  []Run{{VCN: 0, Len: 4, LCN: 10}},
			add:      Run{VCN: 4, Len: 2, LCN: 14},
			expected: []Run{{VCN: 0, Len: 6, LCN: 10}},
		},
		{
			name:    "Append non-contiguous keeps two runs",
			initial: []Run{{VCN: 0, Len: 4, LCN: 10}},
			add:     Run{VCN: 4, Len: 2, LCN: 50},
			expected: []Run{
				{VCN: 0, Len: 4, LCN: 10},
				{VCN: 4, Len: 2, LCN: 50},
			},
		},
		{
			name:    "Fill hole in the middle",
			initial: []Run{{VCN: 0, Len: 10, LCN: SparseLCN}},
			add:     Run{VCN: 3, Len: 2, LCN: 70},
			expected: []Run{
				{VCN: 0, Len: 3, LCN: SparseLCN},
				{VCN: 3, Len: 2, LCN: 70},
				{VCN: 5, Len: 5, LCN: SparseLCN},
			},
		},
		{
			name:     "Rejoin split run",
			initial:  []Run{{VCN: 0, Len: 3, LCN: 20}, {VCN: 5, Len: 5, LCN: 25}},
			add:      Run{VCN: 3, Len: 2, LCN: 23},
			expected: []Run{{VCN: 0, Len: 10, LCN: 20}},
		},
		{
			name:     "Adjacent holes merge",
			initial:  []Run{{VCN: 0, Len: 3, LCN: SparseLCN}},
			add:      Run{VCN: 3, Len: 3, LCN: SparseLCN},
			expected: []Run{{VCN: 0, Len: 6, LCN: SparseLCN}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := FromRuns(tt.initial)
			rl.Add(tt.add.VCN, tt.add.LCN, tt.add.Len)
			if !reflect.DeepEqual(rl.Runs(), tt.expected) {
				t.Errorf("Add() = %v, want %v", rl.Runs(), tt.expected)
			}
		})
	}
}

func TestTruncateAndPunch(t *testing.T) {
	rl := FromRuns([]Run{
		{VCN: 0, Len: 4, LCN: 100},
		{VCN: 4, Len: 4, LCN: 200},
	})

	rl.Truncate(6)
	want := []Run{{VCN: 0, Len: 4, LCN: 100}, {VCN: 4, Len: 2, LCN: 200}}
	if !reflect.DeepEqual(rl.Runs(), want) {
		t.Fatalf("Truncate(6) = %v, want %v", rl.Runs(), want)
	}
	if rl.NextVCN() != 6 {
		t.Errorf("NextVCN() = %d, want 6", rl.NextVCN())
	}

	rl.Punch(1, 2)
	want = []Run{{VCN: 0, Len: 1, LCN: 100}, {VCN: 3, Len: 1, LCN: 103}, {VCN: 4, Len: 2, LCN: 200}}
	if !reflect.DeepEqual(rl.Runs(), want) {
		t.Fatalf("Punch(1, 2) = %v, want %v", rl.Runs(), want)
	}
	if rl.IsContiguous(0, 6) {
		t.Error("IsContiguous(0, 6) = true after punch")
	}
	if got := rl.AllocatedClusters(); got != 4 {
		t.Errorf("AllocatedClusters() = %d, want 4", got)
	}

	clone := rl.Clone()
	rl.Truncate(0)
	if !rl.IsEmpty() {
		t.Errorf("Truncate(0) left %v", rl.Runs())
	}
	if clone.Count() != 3 {
		t.Errorf("clone lost runs: %v", clone.Runs())
	}
}
