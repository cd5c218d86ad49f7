package importer_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/cs3org/dicom-importer/pkg/importer"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type recordingUploader struct {
	mu    sync.Mutex
	files []string
}

func (r *recordingUploader) Store(_ context.Context, filename string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, filename)
	return nil
}

func (r *recordingUploader) stored() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.files...)
}

func writeInstance(path string) {
	ExpectWithOffset(1, os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())

	f, err := os.Create(path)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	defer f.Close()

	ds := dicom.Dataset{Elements: []*dicom.Element{
		dicom.MustNewElement(tag.FileMetaInformationVersion, []byte{0x00, 0x01}),
		dicom.MustNewElement(tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.7"}),
		dicom.MustNewElement(tag.MediaStorageSOPInstanceUID, []string{"1.2.826.0.1.3680043.2.1143.2"}),
		dicom.MustNewElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		dicom.MustNewElement(tag.PatientName, []string{"DOE^JOHN"}),
	}}
	ExpectWithOffset(1, dicom.Write(f, ds)).To(Succeed())
}

var _ = Describe("Importer", func() {
	var (
		root      string
		inbox     string
		processed string
		up        *recordingUploader
		imp       *importer.Importer
		cancel    context.CancelFunc
		done      chan struct{}
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		inbox = filepath.Join(root, "inbox")
		processed = filepath.Join(root, "processed")
		up = &recordingUploader{}

		Expect(os.MkdirAll(filepath.Join(inbox, "west-clinic"), 0755)).To(Succeed())

		log := zerolog.Nop()
		var err error
		imp, err = importer.New(importer.Config{
			InboxPath:     inbox,
			ProcessedPath: processed,
			FailedPath:    filepath.Join(root, "failed"),
			Cooldown:      500 * time.Millisecond,
			MaxConcurrent: 2,
			WatcherType:   "fsnotify",
			Tick:          100 * time.Millisecond,
		}, up, &log)
		Expect(err).ToNot(HaveOccurred())
	})

	JustBeforeEach(func() {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
		go func() {
			defer GinkgoRecover()
			Expect(imp.Run(ctx)).To(Succeed())
			close(done)
		}()

		// wait for the watcher to start
		time.Sleep(200 * time.Millisecond)
	})

	AfterEach(func() {
		cancel()
		Eventually(done).WithTimeout(5 * time.Second).Should(BeClosed())
	})

	It("imports a study dropped into the inbox", func() {
		writeInstance(filepath.Join(inbox, "west-clinic", "study-001", "0001.dcm"))
		writeInstance(filepath.Join(inbox, "west-clinic", "study-001", "0002.dcm"))

		Eventually(func(g Gomega) {
			g.Expect(up.stored()).To(ConsistOf("0001.dcm", "0002.dcm"))

			matches, err := filepath.Glob(filepath.Join(processed, "west-clinic", "*", "study-001"))
			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(matches).To(HaveLen(1))
		}).WithTimeout(5 * time.Second).ProbeEvery(100 * time.Millisecond).Should(Succeed())

		Expect(filepath.Join(inbox, "west-clinic", "study-001")).ToNot(BeADirectory())
	})

	It("waits out the cooldown before importing", func() {
		writeInstance(filepath.Join(inbox, "west-clinic", "study-002", "0001.dcm"))

		Consistently(func() []string {
			return up.stored()
		}).WithTimeout(300 * time.Millisecond).Should(BeEmpty())

		Eventually(func() []string {
			return up.stored()
		}).WithTimeout(5 * time.Second).ProbeEvery(100 * time.Millisecond).Should(ConsistOf("0001.dcm"))
	})

	It("restarts the cooldown while files trickle in", func() {
		writeInstance(filepath.Join(inbox, "west-clinic", "study-003", "0001.dcm"))
		time.Sleep(300 * time.Millisecond)
		writeInstance(filepath.Join(inbox, "west-clinic", "study-003", "0002.dcm"))

		Eventually(func(g Gomega) {
			g.Expect(up.stored()).To(ConsistOf("0001.dcm", "0002.dcm"))

			// a reset cooldown imports the study exactly once
			matches, err := filepath.Glob(filepath.Join(processed, "west-clinic", "*", "study-003*"))
			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(matches).To(HaveLen(1))
		}).WithTimeout(5 * time.Second).ProbeEvery(100 * time.Millisecond).Should(Succeed())
	})

	It("imports a fully populated folder moved into the inbox", func() {
		staging := filepath.Join(root, "staging", "study-004")
		writeInstance(filepath.Join(staging, "0001.dcm"))
		writeInstance(filepath.Join(staging, "0002.dcm"))

		Expect(os.Rename(staging, filepath.Join(inbox, "west-clinic", "study-004"))).To(Succeed())

		Eventually(func(g Gomega) {
			g.Expect(up.stored()).To(ConsistOf("0001.dcm", "0002.dcm"))
		}).WithTimeout(5 * time.Second).ProbeEvery(100 * time.Millisecond).Should(Succeed())
	})

	Describe("with studies already sitting in the inbox", func() {
		BeforeEach(func() {
			writeInstance(filepath.Join(inbox, "west-clinic", "study-005", "0001.dcm"))
			writeInstance(filepath.Join(inbox, "east-clinic", "study-006", "0001.dcm"))
		})

		It("picks them up after one cooldown", func() {
			Eventually(func() []string {
				return up.stored()
			}).WithTimeout(5 * time.Second).ProbeEvery(100 * time.Millisecond).Should(HaveLen(2))

			Eventually(func(g Gomega) {
				matches, err := filepath.Glob(filepath.Join(processed, "*", "*", "study-*"))
				g.Expect(err).ToNot(HaveOccurred())
				g.Expect(matches).To(HaveLen(2))
			}).WithTimeout(5 * time.Second).ProbeEvery(100 * time.Millisecond).Should(Succeed())
		})
	})
})
