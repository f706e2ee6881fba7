package service

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	apperrors "github.com/anime-shed/service-tag-extractor/internal/errors"
	"github.com/anime-shed/service-tag-extractor/internal/extraction"
	"github.com/anime-shed/service-tag-extractor/internal/imagesource"
	"github.com/anime-shed/service-tag-extractor/internal/observer"
	"github.com/anime-shed/service-tag-extractor/internal/ocr"
	"github.com/anime-shed/service-tag-extractor/internal/storage"
	"github.com/anime-shed/service-tag-extractor/internal/tag"
	"github.com/anime-shed/service-tag-extractor/internal/worker"
)

// MockRecognizer returns text, or blocks until its context ends when block
// is set.
type MockRecognizer struct {
	text  string
	block bool
}

func (m *MockRecognizer) Recognize(ctx context.Context, img *imagesource.Image) (ocr.RecognitionResult, error) {
	if m.block {
		<-ctx.Done()
		return ocr.RecognitionResult{}, ctx.Err()
	}
	return ocr.RecognitionResult{Text: m.text, Engine: "mock"}, nil
}

func pngBytes() []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)))).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("ExtractionService", func() {
	var (
		recognizer *MockRecognizer
		pool       *worker.Pool
		metrics    *observer.MetricsObserver
		ghServer   *ghttp.Server
		svc        ExtractionService
	)

	BeforeEach(func() {
		recognizer = &MockRecognizer{text: "Tag (S/N): D8JP9W2"}
		pool = worker.NewPool(2)
		pool.Start()

		metrics = observer.NewMetricsObserver()
		publisher := observer.NewEventPublisher()
		publisher.Subscribe(metrics)

		ghServer = ghttp.NewServer()

		svc = NewExtractionService(Dependencies{
			Recognizer: recognizer,
			Extractor:  tag.NewExtractor(),
			Runner:     pool.Dispatch,
			Events:     publisher,
			Fetcher:    storage.NewHTTPImageFetcher(storage.WithRetryDelay(time.Millisecond)),
			OCRTimeout: time.Second,
			SessionTTL: time.Minute,
		})
	})

	AfterEach(func() {
		svc.Close()
		pool.Close()
		ghServer.Close()
	})

	Describe("sessions", func() {
		It("creates, finds and closes a session", func() {
			ctrl := svc.CreateSession()
			Expect(ctrl.ID()).NotTo(BeEmpty())
			Expect(svc.SessionCount()).To(Equal(1))

			found, err := svc.Session(ctrl.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeIdenticalTo(ctrl))

			Expect(svc.CloseSession(ctrl.ID())).To(Succeed())
			Expect(svc.SessionCount()).To(BeZero())

			_, err = svc.Session(ctrl.ID())
			Expect(apperrors.IsType(err, apperrors.ErrorTypeNotFound)).To(BeTrue())
			Expect(apperrors.IsType(svc.CloseSession(ctrl.ID()), apperrors.ErrorTypeNotFound)).To(BeTrue())
		})

		It("keeps sessions independent", func() {
			first := svc.CreateSession()
			second := svc.CreateSession()

			first.SupplyUploadedImage(pngBytes())
			Eventually(func() extraction.Phase { return first.State().Phase() }).
				Should(Equal(extraction.PhaseSucceeded))
			Expect(second.State()).To(Equal(extraction.Idle{}))
		})

		It("evicts sessions idle past the TTL", func() {
			ctrl := svc.CreateSession()

			impl := svc.(*extractionService)
			Expect(impl.evictIdle(time.Now())).To(BeZero())
			Expect(impl.evictIdle(time.Now().Add(2 * time.Minute))).To(Equal(1))
			Expect(svc.SessionCount()).To(BeZero())

			ctrl.SupplyUploadedImage(pngBytes())
			Expect(ctrl.State()).To(Equal(extraction.Idle{}))
		})

		It("keeps sessions with an attempt in flight", func() {
			recognizer.block = true
			ctrl := svc.CreateSession()
			ctrl.SupplyUploadedImage(pngBytes())

			impl := svc.(*extractionService)
			Expect(impl.evictIdle(time.Now().Add(2 * time.Minute))).To(BeZero())
			Expect(svc.SessionCount()).To(Equal(1))
		})
	})

	Describe("ExtractUpload", func() {
		It("returns the tag and compares it with the expected value", func() {
			result, err := svc.ExtractUpload(context.Background(), pngBytes(), "d8jp9w2")
			Expect(err).NotTo(HaveOccurred())

			succeeded, ok := result.State.(extraction.Succeeded)
			Expect(ok).To(BeTrue())
			Expect(succeeded.Tag).To(Equal(tag.ServiceTag("D8JP9W2")))
			Expect(result.Match).NotTo(BeNil())
			Expect(result.Match.Exact).To(BeTrue())

			Eventually(func() int64 {
				return metrics.GetMetrics()["extractions_succeeded"].(int64)
			}).Should(Equal(int64(1)))
		})

		It("reports NoTagFound as a settled state", func() {
			recognizer.text = "Code 12345678901 here"
			result, err := svc.ExtractUpload(context.Background(), pngBytes(), "D8JP9W2")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State.(extraction.Failed).Kind).To(Equal(apperrors.ErrorTypeNoTagFound))
			Expect(result.Match).To(BeNil())
		})

		It("reports an unreadable upload as InvalidImage", func() {
			result, err := svc.ExtractUpload(context.Background(), []byte("%PDF-1.4"), "")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State.(extraction.Failed).Kind).To(Equal(apperrors.ErrorTypeInvalidImage))
		})

		It("fails with a timeout when the request deadline passes first", func() {
			recognizer.block = true
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			_, err := svc.ExtractUpload(ctx, pngBytes(), "")
			Expect(apperrors.IsType(err, apperrors.ErrorTypeTimeout)).To(BeTrue())
		})
	})

	Describe("ExtractFromURL", func() {
		It("downloads the image and extracts from it", func() {
			ghServer.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/labels/laptop.png"),
				ghttp.RespondWith(http.StatusOK, pngBytes(), http.Header{"Content-Type": {"image/png"}}),
			))

			result, err := svc.ExtractFromURL(context.Background(), ghServer.URL()+"/labels/laptop.png", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.State.(extraction.Succeeded).Tag).To(Equal(tag.ServiceTag("D8JP9W2")))
			Expect(ghServer.ReceivedRequests()).To(HaveLen(1))
		})

		It("rejects URLs that fail validation", func() {
			_, err := svc.ExtractFromURL(context.Background(), "ftp://example.com/a.png", "")
			Expect(apperrors.IsType(err, apperrors.ErrorTypeValidation)).To(BeTrue())
		})

		It("surfaces download failures as network errors", func() {
			ghServer.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, "missing"))

			_, err := svc.ExtractFromURL(context.Background(), ghServer.URL()+"/missing.png", "")
			Expect(apperrors.IsType(err, apperrors.ErrorTypeNetwork)).To(BeTrue())
		})
	})
})
