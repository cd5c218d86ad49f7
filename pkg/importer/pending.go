// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package importer

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Study is one inbox folder ready for processing.
type Study struct {
	Folder   string
	ClinicID string
}

// Tracker remembers which study folders have seen filesystem activity and
// when, and releases them once they have been quiet for a full cooldown.
// Folders arrive file by file over seconds to minutes; any event restarts
// the clock, so the cooldown is the sole readiness signal.
type Tracker struct {
	inbox    string
	cooldown time.Duration
	log      *zerolog.Logger

	mutex   sync.Mutex
	pending map[string]time.Time
}

// NewTracker returns a tracker for the given inbox root.
func NewTracker(inbox string, cooldown time.Duration, log *zerolog.Logger) *Tracker {
	return &Tracker{
		inbox:    filepath.Clean(inbox),
		cooldown: cooldown,
		log:      log,
		pending:  map[string]time.Time{},
	}
}

// NoteEvent normalizes a filesystem event to its enclosing study folder
// and records it. File events count for their parent directory.
func (t *Tracker) NoteEvent(path string, isDir bool, now time.Time) {
	if !isDir {
		path = filepath.Dir(path)
	}
	t.Note(path, now)
}

// Note records activity under path. Paths outside the inbox and paths
// that do not reach into a study folder ({inbox}/{clinic}/{study}) are
// ignored. Every call restarts the study's cooldown.
func (t *Tracker) Note(path string, now time.Time) {
	key, clinicID, ok := t.studyKey(path)
	if !ok {
		return
	}

	t.mutex.Lock()
	t.pending[key] = now
	pendingImports.Set(float64(len(t.pending)))
	t.mutex.Unlock()

	t.log.Debug().Str("folder", key).Str("clinic_id", clinicID).Msg("folder added to pending")
}

// studyKey reduces a path below the inbox to its study folder. A clinic
// directory alone is not a study.
func (t *Tracker) studyKey(path string) (string, string, bool) {
	rel, err := filepath.Rel(t.inbox, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", "", false
	}

	segs := strings.Split(rel, string(filepath.Separator))
	if len(segs) < 2 {
		return "", "", false
	}
	return filepath.Join(t.inbox, segs[0], segs[1]), segs[0], true
}

// Drain removes and returns every study that has been quiet for at least
// one cooldown. Entries refreshed concurrently stay pending.
func (t *Tracker) Drain(now time.Time) []Study {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var ready []Study
	for key, ts := range t.pending {
		if now.Sub(ts) >= t.cooldown {
			delete(t.pending, key)
			ready = append(ready, Study{
				Folder:   key,
				ClinicID: filepath.Base(filepath.Dir(key)),
			})
		}
	}
	pendingImports.Set(float64(len(t.pending)))
	return ready
}

// Rescan enumerates the {inbox}/{clinic}/{study} folders already on disk
// and stamps them with now, so studies left over from a previous run are
// picked up one cooldown after startup.
func (t *Tracker) Rescan(now time.Time) {
	clinics, err := os.ReadDir(t.inbox)
	if err != nil {
		t.log.Error().Err(err).Str("path", t.inbox).Msg("error scanning inbox")
		return
	}

	for _, clinic := range clinics {
		if !clinic.IsDir() {
			continue
		}
		studies, err := os.ReadDir(filepath.Join(t.inbox, clinic.Name()))
		if err != nil {
			t.log.Error().Err(err).Str("clinic_id", clinic.Name()).Msg("error scanning clinic directory")
			continue
		}
		for _, study := range studies {
			if !study.IsDir() {
				continue
			}
			t.Note(filepath.Join(t.inbox, clinic.Name(), study.Name()), now)
		}
	}
}

// Len returns the number of studies still waiting for their cooldown.
func (t *Tracker) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.pending)
}
