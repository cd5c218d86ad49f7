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
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

type fakeUploader struct {
	mu       sync.Mutex
	stored   map[string][]byte
	failWith map[string]error
	err      error
}

func (f *fakeUploader) Store(_ context.Context, filename string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if err, ok := f.failWith[filename]; ok {
		return err
	}
	if f.stored == nil {
		f.stored = map[string][]byte{}
	}
	f.stored[filename] = data
	return nil
}

type panickyUploader struct{}

func (panickyUploader) Store(context.Context, string, []byte) error {
	panic("wires crossed")
}

// mustNewElement mirrors the dicom package's unexported helper of the same
// name: it builds an element and panics when the tag or value is invalid.
func mustNewElement(t tag.Tag, data interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, data)
	if err != nil {
		panic(err)
	}
	return elem
}

// writeDicomFile writes a minimal secondary capture instance. An empty
// institution leaves the attribute out entirely.
func writeDicomFile(t *testing.T, path, institution string) {
	t.Helper()

	els := []*dicom.Element{
		mustNewElement(tag.FileMetaInformationVersion, []byte{0x00, 0x01}),
		mustNewElement(tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.7"}),
		mustNewElement(tag.MediaStorageSOPInstanceUID, []string{"1.2.826.0.1.3680043.2.1143.1"}),
		mustNewElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
	}
	if institution != "" {
		els = append(els, mustNewElement(tag.InstitutionName, []string{institution}))
	}
	els = append(els, mustNewElement(tag.PatientName, []string{"DOE^JANE"}))

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, dicom.Write(f, dicom.Dataset{Elements: els}))
}

func parseUpload(t *testing.T, data []byte) dicom.Dataset {
	t.Helper()
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err, "uploaded bytes must round-trip through the parser")
	return ds
}

func institutionOf(t *testing.T, data []byte) string {
	t.Helper()
	ds := parseUpload(t, data)
	el, err := ds.FindElementByTag(tag.InstitutionName)
	require.NoError(t, err)
	vals, ok := el.Value.GetValue().([]string)
	require.True(t, ok)
	require.Len(t, vals, 1)
	return vals[0]
}

func newTestProcessor(t *testing.T, up Uploader) (*Processor, string, string, string) {
	t.Helper()
	root := t.TempDir()
	log := zerolog.Nop()
	p := NewProcessor(filepath.Join(root, "processed"), filepath.Join(root, "failed"), up, &log)
	p.now = func() time.Time { return time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC) }
	return p, filepath.Join(root, "inbox"), filepath.Join(root, "processed"), filepath.Join(root, "failed")
}

func TestProcessImportsStudy(t *testing.T) {
	up := &fakeUploader{}
	p, inbox, processed, _ := newTestProcessor(t, up)

	study := filepath.Join(inbox, "west-clinic", "study-001")
	writeDicomFile(t, filepath.Join(study, "0001.dcm"), "")
	writeDicomFile(t, filepath.Join(study, "0002.dcm"), "")

	uploadedBefore := testutil.ToFloat64(instancesUploaded.WithLabelValues("west-clinic"))

	outcome := p.Process(context.Background(), study, "west-clinic")
	assert.Equal(t, OutcomeSuccess, outcome)

	require.Len(t, up.stored, 2)
	assert.Equal(t, "west-clinic", institutionOf(t, up.stored["0001.dcm"]))
	assert.Equal(t, "west-clinic", institutionOf(t, up.stored["0002.dcm"]))

	dest := filepath.Join(processed, "west-clinic", "2025-03-14", "study-001")
	assert.DirExists(t, dest)
	assert.FileExists(t, filepath.Join(dest, "0001.dcm"))
	assert.NoFileExists(t, dest+".error.json")
	assert.NoDirExists(t, study)

	assert.Equal(t, uploadedBefore+2, testutil.ToFloat64(instancesUploaded.WithLabelValues("west-clinic")))
	assert.Zero(t, testutil.ToFloat64(activeImports))
}

func TestProcessReplacesExistingInstitution(t *testing.T) {
	up := &fakeUploader{}
	p, inbox, _, _ := newTestProcessor(t, up)

	study := filepath.Join(inbox, "west-clinic", "study-001")
	writeDicomFile(t, filepath.Join(study, "0001.dcm"), "old-hospital")

	outcome := p.Process(context.Background(), study, "west-clinic")
	require.Equal(t, OutcomeSuccess, outcome)

	ds := parseUpload(t, up.stored["0001.dcm"])
	count := 0
	for _, el := range ds.Elements {
		if el.Tag == tag.InstitutionName {
			count++
		}
	}
	assert.Equal(t, 1, count, "the existing attribute is replaced, not duplicated")
	assert.Equal(t, "west-clinic", institutionOf(t, up.stored["0001.dcm"]))
}

func TestProcessDiscoversByExtensionAndContent(t *testing.T) {
	up := &fakeUploader{}
	p, inbox, _, _ := newTestProcessor(t, up)

	study := filepath.Join(inbox, "west-clinic", "study-001")
	writeDicomFile(t, filepath.Join(study, "0001.DCM"), "")
	writeDicomFile(t, filepath.Join(study, "IM000002"), "")
	// the extension filter wins over the content, even for real DICOM bytes
	writeDicomFile(t, filepath.Join(study, "export.json"), "")
	require.NoError(t, os.WriteFile(filepath.Join(study, "notes.txt"), []byte("burned by CD robot"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(study, "thumbs.bin"), []byte("not dicom at all"), 0644))

	outcome := p.Process(context.Background(), study, "west-clinic")
	assert.Equal(t, OutcomeSuccess, outcome)

	require.Len(t, up.stored, 2)
	assert.Contains(t, up.stored, "0001.DCM")
	assert.Contains(t, up.stored, "IM000002")
}

func TestProcessPartialImport(t *testing.T) {
	up := &fakeUploader{failWith: map[string]error{"0002.dcm": errors.New("boom")}}
	p, inbox, processed, failed := newTestProcessor(t, up)

	study := filepath.Join(inbox, "west-clinic", "study-001")
	writeDicomFile(t, filepath.Join(study, "0001.dcm"), "")
	writeDicomFile(t, filepath.Join(study, "0002.dcm"), "")

	outcome := p.Process(context.Background(), study, "west-clinic")
	assert.Equal(t, OutcomePartial, outcome)

	dest := filepath.Join(processed, "west-clinic", "2025-03-14", "study-001")
	assert.DirExists(t, dest, "partial imports still leave the inbox")
	assert.NoFileExists(t, dest+".error.json")
	assert.NoDirExists(t, filepath.Join(failed, "west-clinic"))
}

func TestProcessAllFailedWritesRecord(t *testing.T) {
	up := &fakeUploader{err: errors.New("boom")}
	p, inbox, _, failed := newTestProcessor(t, up)

	failedBefore := testutil.ToFloat64(importsTotal.WithLabelValues("east-clinic", "failed"))

	study := filepath.Join(inbox, "east-clinic", "study-002")
	writeDicomFile(t, filepath.Join(study, "0001.dcm"), "")
	writeDicomFile(t, filepath.Join(study, "0002.dcm"), "")

	outcome := p.Process(context.Background(), study, "east-clinic")
	assert.Equal(t, OutcomeFailed, outcome)

	dest := filepath.Join(failed, "east-clinic", "2025-03-14", "study-002")
	assert.DirExists(t, dest)
	assert.NoDirExists(t, study)

	raw, err := os.ReadFile(dest + ".error.json")
	require.NoError(t, err)

	var rec struct {
		Timestamp   string `json:"timestamp"`
		StudyFolder string `json:"study_folder"`
		ClinicID    string `json:"clinic_id"`
		Reason      string `json:"reason"`
		Errors      []struct {
			File  string `json:"file"`
			Error string `json:"error"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "study-002", rec.StudyFolder)
	assert.Equal(t, "east-clinic", rec.ClinicID)
	assert.Equal(t, "All 2 files failed", rec.Reason)
	require.Len(t, rec.Errors, 2)
	assert.Equal(t, "0001.dcm", rec.Errors[0].File)
	assert.Equal(t, "boom", rec.Errors[0].Error)
	_, terr := time.Parse(time.RFC3339, rec.Timestamp)
	assert.NoError(t, terr)

	assert.Equal(t, failedBefore+1, testutil.ToFloat64(importsTotal.WithLabelValues("east-clinic", "failed")))
}

func TestProcessEmptyStudyIsQuarantined(t *testing.T) {
	up := &fakeUploader{}
	p, inbox, _, failed := newTestProcessor(t, up)

	study := filepath.Join(inbox, "west-clinic", "study-003")
	require.NoError(t, os.MkdirAll(study, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(study, "notes.txt"), []byte("hi"), 0644))

	outcome := p.Process(context.Background(), study, "west-clinic")
	assert.Equal(t, OutcomeFailed, outcome)

	dest := filepath.Join(failed, "west-clinic", "2025-03-14", "study-003")
	assert.DirExists(t, dest)

	raw, err := os.ReadFile(dest + ".error.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"reason": "No DICOM files found"`)
	assert.Contains(t, string(raw), `"errors": []`)
}

func TestProcessRecordsUnparsableFiles(t *testing.T) {
	up := &fakeUploader{}
	p, inbox, _, failed := newTestProcessor(t, up)

	study := filepath.Join(inbox, "west-clinic", "study-004")
	require.NoError(t, os.MkdirAll(study, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(study, "0001.dcm"), []byte("garbage"), 0644))

	outcome := p.Process(context.Background(), study, "west-clinic")
	assert.Equal(t, OutcomeFailed, outcome)

	raw, err := os.ReadFile(filepath.Join(failed, "west-clinic", "2025-03-14", "study-004") + ".error.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Invalid DICOM file")
}

func TestProcessSuffixesCollidingDestination(t *testing.T) {
	up := &fakeUploader{}
	p, inbox, processed, _ := newTestProcessor(t, up)

	study := filepath.Join(inbox, "west-clinic", "study-001")
	writeDicomFile(t, filepath.Join(study, "0001.dcm"), "")

	occupied := filepath.Join(processed, "west-clinic", "2025-03-14", "study-001")
	require.NoError(t, os.MkdirAll(occupied, 0755))

	outcome := p.Process(context.Background(), study, "west-clinic")
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.DirExists(t, occupied+"_103000")
	assert.NoDirExists(t, study)
}

func TestProcessLeavesUnquarantinableStudyInInbox(t *testing.T) {
	up := &fakeUploader{err: errors.New("boom")}
	root := t.TempDir()
	// occupy the failed root with a file so the quarantine move cannot work
	failed := filepath.Join(root, "failed")
	require.NoError(t, os.WriteFile(failed, []byte{}, 0644))
	log := zerolog.Nop()
	p := NewProcessor(filepath.Join(root, "processed"), failed, up, &log)

	study := filepath.Join(root, "inbox", "west-clinic", "study-009")
	writeDicomFile(t, filepath.Join(study, "0001.dcm"), "")

	outcome := p.Process(context.Background(), study, "west-clinic")
	assert.Equal(t, OutcomeFailed, outcome)
	assert.DirExists(t, study, "the study stays in the inbox for the next cooldown")
}

func TestProcessRecoversFromPanicsAndQuarantines(t *testing.T) {
	p, inbox, _, failed := newTestProcessor(t, panickyUploader{})

	errorsBefore := testutil.ToFloat64(importsTotal.WithLabelValues("west-clinic", "error"))

	study := filepath.Join(inbox, "west-clinic", "study-005")
	writeDicomFile(t, filepath.Join(study, "0001.dcm"), "")

	outcome := p.Process(context.Background(), study, "west-clinic")
	assert.Equal(t, OutcomeError, outcome)

	dest := filepath.Join(failed, "west-clinic", "2025-03-14", "study-005")
	assert.DirExists(t, dest)
	raw, err := os.ReadFile(dest + ".error.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "wires crossed")

	assert.Equal(t, errorsBefore+1, testutil.ToFloat64(importsTotal.WithLabelValues("west-clinic", "error")))
	assert.Zero(t, testutil.ToFloat64(activeImports))
}
