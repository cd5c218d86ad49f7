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
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Outcome classifies one processed study.
type Outcome string

const (
	// OutcomeSuccess means every instance was uploaded.
	OutcomeSuccess Outcome = "success"
	// OutcomePartial means some instances were uploaded, some failed.
	OutcomePartial Outcome = "partial"
	// OutcomeFailed means no instance made it: the folder was empty of
	// DICOM data or every upload failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeError means the study could not be processed at all.
	OutcomeError Outcome = "error"
)

// Uploader sends one encoded instance to the PACS.
type Uploader interface {
	Store(ctx context.Context, filename string, data []byte) error
}

// instanceError records one failed instance inside a study.
type instanceError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// errorRecord is the sidecar JSON written next to quarantined studies.
type errorRecord struct {
	Timestamp   string          `json:"timestamp"`
	StudyFolder string          `json:"study_folder"`
	ClinicID    string          `json:"clinic_id"`
	Reason      string          `json:"reason"`
	Errors      []instanceError `json:"errors"`
}

// extensions that are never sniffed for DICOM content
var skipSniffExts = map[string]bool{".dcm": true, ".json": true, ".txt": true, ".log": true}

// Processor imports study folders: discover the instances, rewrite the
// institution, upload, then move the folder out of the inbox.
type Processor struct {
	processedRoot string
	failedRoot    string
	uploader      Uploader
	log           *zerolog.Logger
	now           func() time.Time
}

// NewProcessor returns a processor that moves finished studies below the
// given roots.
func NewProcessor(processedRoot, failedRoot string, uploader Uploader, log *zerolog.Logger) *Processor {
	return &Processor{
		processedRoot: processedRoot,
		failedRoot:    failedRoot,
		uploader:      uploader,
		log:           log,
		now:           time.Now,
	}
}

// Process imports one study folder for the given clinic. Failures never
// propagate: they are folded into the outcome, the metrics and the error
// record written next to the quarantined folder.
func (p *Processor) Process(ctx context.Context, folder, clinicID string) (outcome Outcome) {
	start := time.Now()
	activeImports.Inc()

	log := p.log.With().Str("folder", folder).Str("clinic_id", clinicID).Logger()

	var uploaded, failed int
	var instErrs []instanceError

	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeError
			log.Error().Interface("panic", r).Msg("unexpected error processing study")
			p.quarantine(folder, clinicID, fmt.Sprintf("%v", r), instErrs, &log)
		}
		importsTotal.WithLabelValues(clinicID, string(outcome)).Inc()
		importDuration.WithLabelValues(clinicID).Observe(time.Since(start).Seconds())
		activeImports.Dec()
	}()

	files, err := p.discover(folder)
	if err != nil {
		log.Error().Err(err).Msg("unexpected error processing study")
		outcome = OutcomeError
		p.quarantine(folder, clinicID, err.Error(), nil, &log)
		return outcome
	}

	if len(files) == 0 {
		log.Warn().Msg("no dicom files found in study folder")
		outcome = OutcomeFailed
		p.quarantine(folder, clinicID, "No DICOM files found", nil, &log)
		return outcome
	}

	log.Info().Int("files", len(files)).Msg("found dicom files")

	for _, file := range files {
		if err := p.uploadInstance(ctx, file, clinicID); err != nil {
			failed++
			rel, rerr := filepath.Rel(folder, file)
			if rerr != nil {
				rel = file
			}
			instErrs = append(instErrs, instanceError{File: rel, Error: err.Error()})
			log.Error().Str("file", file).Err(err).Msg("failed to process file")
			continue
		}
		uploaded++
		instancesUploaded.WithLabelValues(clinicID).Inc()
	}

	switch {
	case failed == 0:
		log.Info().Int("files_processed", uploaded).Msg("study imported successfully")
		outcome = OutcomeSuccess
	case uploaded > 0:
		log.Warn().Int("success_count", uploaded).Int("error_count", failed).Msg("study partially imported")
		outcome = OutcomePartial
	default:
		log.Error().Int("error_count", failed).Msg("study import failed completely")
		outcome = OutcomeFailed
	}

	if outcome == OutcomeFailed {
		p.quarantine(folder, clinicID, fmt.Sprintf("All %d files failed", failed), instErrs, &log)
		return outcome
	}

	dest, err := p.moveStudy(folder, p.processedRoot, clinicID)
	if err != nil {
		log.Error().Err(err).Msg("unexpected error processing study")
		outcome = OutcomeError
		p.quarantine(folder, clinicID, err.Error(), instErrs, &log)
		return outcome
	}
	log.Info().Str("destination", dest).Msg("study moved to processed")

	return outcome
}

// discover walks the study folder and returns the DICOM instances in walk
// order: files with a .dcm extension, case insensitively, plus files with
// no or an unknown extension whose metadata parses as DICOM.
func (p *Processor) discover(folder string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".dcm" {
			files = append(files, path)
			return nil
		}
		if skipSniffExts[ext] {
			return nil
		}
		if sniffDicom(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "error walking study folder")
	}
	return files, nil
}

// sniffDicom reports whether the file's metadata parses as DICOM. Pixel
// data is skipped. The parser panics on some malformed inputs, so this is
// also a recovery boundary.
func sniffDicom(path string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	_, err = dicom.ParseUntilEOF(f, nil, dicom.ParseOption(dicom.SkipPixelData()))
	return err == nil
}

// uploadInstance parses one instance, stamps the clinic as its
// institution, re-encodes it preserving the transfer syntax and hands the
// bytes to the uploader.
func (p *Processor) uploadInstance(ctx context.Context, path, clinicID string) error {
	start := time.Now()

	ds, err := parseDataset(path)
	if err != nil {
		return err
	}

	if err := setInstitution(ds, clinicID); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := encodeDataset(&buf, ds); err != nil {
		return err
	}

	if err := p.uploader.Store(ctx, filepath.Base(path), buf.Bytes()); err != nil {
		return err
	}

	uploadDuration.Observe(time.Since(start).Seconds())
	return nil
}

// parseDataset reads the full dataset from disk.
func parseDataset(path string) (ds *dicom.Dataset, err error) {
	defer func() {
		if r := recover(); r != nil {
			ds = nil
			err = fmt.Errorf("Invalid DICOM file: parser panic: %v", r)
		}
	}()

	d, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("Invalid DICOM file: %v", err)
	}
	return &d, nil
}

// encodeDataset re-serializes the dataset. The writer takes the transfer
// syntax from the dataset's file meta, so the encoding round-trips.
func encodeDataset(w io.Writer, ds *dicom.Dataset) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("error encoding dataset: %v", r)
		}
	}()

	return dicom.Write(w, *ds)
}

// setInstitution replaces the InstitutionName attribute, inserting it in
// tag order when the dataset does not carry one yet. No other element is
// touched.
func setInstitution(ds *dicom.Dataset, name string) error {
	el, err := dicom.NewElement(tag.InstitutionName, []string{name})
	if err != nil {
		return errors.Wrap(err, "error building institution element")
	}

	idx := len(ds.Elements)
	for i, existing := range ds.Elements {
		if existing.Tag == tag.InstitutionName {
			ds.Elements[i] = el
			return nil
		}
		if idx == len(ds.Elements) && lessTag(tag.InstitutionName, existing.Tag) {
			idx = i
		}
	}

	ds.Elements = append(ds.Elements, nil)
	copy(ds.Elements[idx+1:], ds.Elements[idx:])
	ds.Elements[idx] = el
	return nil
}

func lessTag(a, b tag.Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}

// quarantine moves the folder below the failed root and writes the error
// record next to it. If even that fails the folder stays in the inbox and
// is picked up again after the next cooldown.
func (p *Processor) quarantine(folder, clinicID, reason string, instErrs []instanceError, log *zerolog.Logger) {
	dest, err := p.moveStudy(folder, p.failedRoot, clinicID)
	if err != nil {
		log.Error().Err(err).Msg("failed to quarantine study")
		return
	}

	if err := p.writeErrorRecord(dest, filepath.Base(folder), clinicID, reason, instErrs); err != nil {
		log.Error().Err(err).Msg("failed to write error record")
	}

	log.Warn().Str("destination", dest).Str("reason", reason).Msg("study moved to failed")
}

// moveStudy moves folder to {root}/{clinic}/{YYYY-MM-DD}/{basename}. An
// existing destination gets a _{HHMMSS} suffix; a second clash within the
// same second fails the move.
func (p *Processor) moveStudy(folder, root, clinicID string) (string, error) {
	now := p.now()
	dir := filepath.Join(root, clinicID, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "error creating destination directory")
	}

	dest := filepath.Join(dir, filepath.Base(folder))
	if _, err := os.Stat(dest); err == nil {
		dest += "_" + now.Format("150405")
	}

	if err := moveTree(folder, dest); err != nil {
		return "", errors.Wrap(err, "error moving study folder")
	}
	return dest, nil
}

// writeErrorRecord writes {dest}.error.json as a sibling of the moved
// folder. The write goes through a temp file so a crash cannot leave a
// truncated record behind.
func (p *Processor) writeErrorRecord(dest, studyFolder, clinicID, reason string, instErrs []instanceError) error {
	if instErrs == nil {
		instErrs = []instanceError{}
	}

	record := errorRecord{
		Timestamp:   p.now().Format(time.RFC3339),
		StudyFolder: studyFolder,
		ClinicID:    clinicID,
		Reason:      reason,
		Errors:      instErrs,
	}

	d, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrap(err, "error encoding error record")
	}

	if err := renameio.WriteFile(dest+".error.json", d, 0644); err != nil {
		return errors.Wrap(err, "error writing error record")
	}
	return nil
}

// moveTree renames src to dest, falling back to copy and delete when the
// two sit on different filesystems.
func moveTree(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}

	var lerr *os.LinkError
	if errors.As(err, &lerr) && lerr.Err == syscall.EXDEV {
		if err := copyTree(src, dest); err != nil {
			return err
		}
		return os.RemoveAll(src)
	}
	return err
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
