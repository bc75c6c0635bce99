// Package dispatch submits planned work units to the substrate, optionally
// hinting each unit at the workers that already hold its file open.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"

	"pkg.jsn.cam/chunkdist/internal/substrate"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
)

// AffinityMap maps a file to the set of workers caching it
type AffinityMap map[string]map[string]struct{}

// BuildAffinity inverts a worker -> keys listing
func BuildAffinity(keys map[string][]string) AffinityMap {
	m := make(AffinityMap)
	for workerID, fileIDs := range keys {
		for _, fileID := range fileIDs {
			set, ok := m[fileID]
			if !ok {
				set = make(map[string]struct{})
				m[fileID] = set
			}
			set[workerID] = struct{}{}
		}
	}
	return m
}

// Workers returns the sorted workers caching fileID, possibly none
func (m AffinityMap) Workers(fileID string) []string {
	set := m[fileID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Substrate is what the dispatcher needs from the execution system
type Substrate interface {
	substrate.Submitter
	substrate.KeyQuerier
}

// Dispatcher submits work units in a single batch
type Dispatcher struct {
	sub Substrate
}

// New creates a dispatcher
func New(sub Substrate) *Dispatcher {
	return &Dispatcher{sub: sub}
}

// Dispatch submits every unit and returns their handles without waiting
// for completions. With useAffinity, the cluster's cache keys are queried
// once and each unit carries the workers caching its file as a soft hint.
func (d *Dispatcher) Dispatch(ctx context.Context, spec chunkdist.TaskSpec, units []chunkdist.WorkUnit, useAffinity bool) ([]substrate.TaskHandle, error) {
	if len(units) == 0 {
		return nil, nil
	}

	var affinity AffinityMap
	if useAffinity {
		affinity = BuildAffinity(d.sub.QueryAllKeys(ctx))
	}

	subs := make([]substrate.Submission, len(units))
	hinted := 0
	for i, u := range units {
		subs[i] = substrate.Submission{Unit: u}
		if affinity != nil {
			subs[i].Hint = affinity.Workers(u.FileID)
			if len(subs[i].Hint) > 0 {
				hinted++
			}
		}
	}

	handles, err := d.sub.Submit(ctx, spec, subs)
	if err != nil {
		return nil, fmt.Errorf("submit %d units: %w", len(units), err)
	}

	if useAffinity {
		log.Printf("[DISPATCH] Submitted %d units (%d with affinity hints, %d files cached cluster-wide)",
			len(units), hinted, len(affinity))
	} else {
		log.Printf("[DISPATCH] Submitted %d units", len(units))
	}

	return handles, nil
}
