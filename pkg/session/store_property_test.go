package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/osprey-sec/osprey/pkg/models"
)

// Any interleaving of mark operations must leave the four agent sets
// pairwise disjoint, keep the derived status consistent with the sets, and
// keep the store file parseable.
func TestMarkOperationInvariantsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	agents := []string{"pre-recon", "login-check", "recon", "recon-verify", "api-fuzzer", "sqli-vuln", "report"}
	numOps := 4

	properties.Property("sets disjoint, status derived, file valid", prop.ForAll(
		func(encoded []int) bool {
			dir := t.TempDir()
			path := filepath.Join(dir, "sessions.json")
			store, err := NewStore(path, dir, time.Hour)
			if err != nil {
				return false
			}
			sess, err := store.Create("main", "http://t.example", filepath.Join(dir, "ws"), "")
			if err != nil {
				return false
			}

			for _, e := range encoded {
				agent := agents[e%len(agents)]
				switch (e / len(agents)) % numOps {
				case 0:
					err = store.MarkRunning(sess.ID, agent)
				case 1:
					err = store.MarkCompleted(sess.ID, agent, "cp-"+agent)
				case 2:
					err = store.MarkFailed(sess.ID, agent)
				case 3:
					err = store.MarkSkipped(sess.ID, agent)
				}
				if err != nil {
					return false
				}
			}

			got, err := store.Get(sess.ID)
			if err != nil {
				return false
			}

			// Pairwise disjoint: each agent appears in at most one set.
			for _, agent := range agents {
				n := 0
				for _, set := range [][]string{got.CompletedAgents, got.SkippedAgents, got.FailedAgents, got.RunningAgents} {
					for _, a := range set {
						if a == agent {
							n++
						}
					}
				}
				if n > 1 {
					return false
				}
			}

			// Status is exactly the pure derivation of the final sets.
			p, _ := models.PipelineByName("main")
			want := models.DeriveStatus(p, got.CompletedAgents, got.SkippedAgents, got.FailedAgents, got.RunningAgents)
			if got.Status != want {
				return false
			}

			// The on-disk document parses.
			data, err := os.ReadFile(path)
			if err != nil {
				return false
			}
			var doc map[string]any
			return json.Unmarshal(data, &doc) == nil
		},
		gen.SliceOf(gen.IntRange(0, len(agents)*numOps-1)),
	))

	properties.TestingRun(t)
}

// Reloading the store file yields the same session the writer last observed.
func TestStoreRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	agents := []string{"pre-recon", "recon", "api-fuzzer", "sqli-vuln", "report"}

	properties.Property("serialise then deserialise is identity", prop.ForAll(
		func(encoded []int) bool {
			dir := t.TempDir()
			path := filepath.Join(dir, "sessions.json")
			store, err := NewStore(path, dir, time.Hour)
			if err != nil {
				return false
			}
			sess, err := store.Create("main", "http://t.example", filepath.Join(dir, "ws"), "")
			if err != nil {
				return false
			}
			for _, e := range encoded {
				agent := agents[e%len(agents)]
				if (e/len(agents))%2 == 0 {
					err = store.MarkCompleted(sess.ID, agent, "cp")
				} else {
					err = store.MarkFailed(sess.ID, agent)
				}
				if err != nil {
					return false
				}
			}
			before, err := store.Get(sess.ID)
			if err != nil {
				return false
			}

			reloaded, err := NewStore(path, dir, time.Hour)
			if err != nil {
				return false
			}
			after, err := reloaded.Get(sess.ID)
			if err != nil {
				return false
			}

			beforeJSON, _ := json.Marshal(before)
			afterJSON, _ := json.Marshal(after)
			return string(beforeJSON) == string(afterJSON)
		},
		gen.SliceOf(gen.IntRange(0, len(agents)*2-1)),
	))

	properties.TestingRun(t)
}
