package extraction_test

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/anime-shed/service-tag-extractor/internal/errors"
	"github.com/anime-shed/service-tag-extractor/internal/extraction"
	"github.com/anime-shed/service-tag-extractor/internal/imagesource"
	"github.com/anime-shed/service-tag-extractor/internal/observer"
	"github.com/anime-shed/service-tag-extractor/internal/ocr"
	"github.com/anime-shed/service-tag-extractor/internal/tag"
)

// MockRecognizer answers with respond, counting calls.
type MockRecognizer struct {
	mu      sync.Mutex
	calls   int
	respond func(ctx context.Context, img *imagesource.Image) (ocr.RecognitionResult, error)
}

func (m *MockRecognizer) Recognize(ctx context.Context, img *imagesource.Image) (ocr.RecognitionResult, error) {
	m.mu.Lock()
	m.calls++
	respond := m.respond
	m.mu.Unlock()
	return respond(ctx, img)
}

func (m *MockRecognizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func textResult(text string) func(context.Context, *imagesource.Image) (ocr.RecognitionResult, error) {
	return func(context.Context, *imagesource.Image) (ocr.RecognitionResult, error) {
		return ocr.RecognitionResult{Text: text, Engine: "mock"}, nil
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []observer.ExtractionEvent
}

func (r *eventRecorder) OnEvent(ctx context.Context, event observer.ExtractionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) GetObserverName() string { return "recorder" }

func (r *eventRecorder) Types() []observer.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]observer.EventType, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.EventType)
	}
	return types
}

func pngBytes() []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)))).To(Succeed())
	return buf.Bytes()
}

func uploaded() *imagesource.Image {
	img, err := imagesource.FromUpload(pngBytes())
	Expect(err).NotTo(HaveOccurred())
	return img
}

func phaseOf(ctrl *extraction.Controller) func() extraction.Phase {
	return func() extraction.Phase { return ctrl.State().Phase() }
}

var _ = Describe("Controller", func() {
	var (
		recognizer *MockRecognizer
		recorder   *eventRecorder
		ctrl       *extraction.Controller
		opts       []extraction.Option
	)

	BeforeEach(func() {
		recognizer = &MockRecognizer{respond: textResult("")}
		recorder = &eventRecorder{}
		publisher := observer.NewEventPublisher()
		publisher.Subscribe(recorder)
		opts = []extraction.Option{
			extraction.WithID("session-1"),
			extraction.WithPublisher(publisher),
		}
	})

	JustBeforeEach(func() {
		ctrl = extraction.NewController(recognizer, tag.NewExtractor(), opts...)
	})

	AfterEach(func() {
		ctrl.Close()
	})

	It("starts idle", func() {
		Expect(ctrl.State()).To(Equal(extraction.Idle{}))
		Expect(ctrl.ID()).To(Equal("session-1"))
	})

	Context("when an uploaded label contains a service tag", func() {
		BeforeEach(func() {
			recognizer.respond = textResult("Tag: D8JP9W2 Code 123")
		})

		It("succeeds with the tag", func() {
			ctrl.SupplyUploadedImage(pngBytes())

			state, err := ctrl.Await(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Phase()).To(Equal(extraction.PhaseSucceeded))

			succeeded := state.(extraction.Succeeded)
			Expect(succeeded.Tag).To(Equal(tag.ServiceTag("D8JP9W2")))
			Expect(succeeded.Candidates).To(Equal([]tag.ServiceTag{"D8JP9W2"}))
			Expect(succeeded.Image).NotTo(BeNil())
			Expect(extraction.ImageOf(state)).To(BeIdenticalTo(succeeded.Image))

			Eventually(recorder.Types).Should(Equal([]observer.EventType{
				observer.ImageSupplied,
				observer.ExtractionStarted,
				observer.ExtractionSucceeded,
			}))
		})
	})

	Context("when the text has no seven-character token", func() {
		BeforeEach(func() {
			recognizer.respond = textResult("Code 123 only")
		})

		It("fails with NoTagFound and a retry message", func() {
			ctrl.SupplyUploadedImage(pngBytes())

			state, err := ctrl.Await(context.Background())
			Expect(err).NotTo(HaveOccurred())

			failed, ok := state.(extraction.Failed)
			Expect(ok).To(BeTrue())
			Expect(failed.Kind).To(Equal(apperrors.ErrorTypeNoTagFound))
			Expect(failed.Message).To(Equal(apperrors.UserMessage(apperrors.ErrorTypeNoTagFound)))
		})
	})

	Context("when the camera yields no frame", func() {
		It("fails with NoFrameAvailable without invoking OCR", func() {
			ctrl.SupplyCameraFrame(nil)

			state := ctrl.State()
			Expect(state).To(BeAssignableToTypeOf(extraction.Failed{}))
			Expect(state.(extraction.Failed).Kind).To(Equal(apperrors.ErrorTypeNoFrameAvailable))
			Expect(state.(extraction.Failed).Image).To(BeNil())
			Consistently(recognizer.Calls, 50*time.Millisecond).Should(BeZero())
			Expect(recorder.Types()).To(Equal([]observer.EventType{observer.ImageRejected}))
		})
	})

	Context("when the upload is not an image", func() {
		It("fails with InvalidImage", func() {
			ctrl.SupplyUploadedImage([]byte("plain text, not pixels"))

			Expect(ctrl.State().(extraction.Failed).Kind).To(Equal(apperrors.ErrorTypeInvalidImage))
			Expect(recognizer.Calls()).To(BeZero())
		})
	})

	Context("when the engine cannot start", func() {
		BeforeEach(func() {
			recognizer.respond = func(context.Context, *imagesource.Image) (ocr.RecognitionResult, error) {
				return ocr.RecognitionResult{}, apperrors.NewEngineInitError("language data missing", nil)
			}
		})

		It("fails with EngineInitFailed", func() {
			ctrl.SupplyUploadedImage(pngBytes())

			state, err := ctrl.Await(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(state.(extraction.Failed).Kind).To(Equal(apperrors.ErrorTypeEngineInitFailed))
		})
	})

	Context("when recognition panics", func() {
		BeforeEach(func() {
			recognizer.respond = func(context.Context, *imagesource.Image) (ocr.RecognitionResult, error) {
				panic("engine crashed")
			}
		})

		It("fails with RecognitionFailed", func() {
			ctrl.SupplyUploadedImage(pngBytes())

			state, err := ctrl.Await(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(state.(extraction.Failed).Kind).To(Equal(apperrors.ErrorTypeRecognitionFailed))
		})
	})

	Context("when OCR outlives the timeout", func() {
		BeforeEach(func() {
			opts = append(opts, extraction.WithTimeout(20*time.Millisecond))
			recognizer.respond = func(ctx context.Context, _ *imagesource.Image) (ocr.RecognitionResult, error) {
				<-ctx.Done()
				return ocr.RecognitionResult{}, ctx.Err()
			}
		})

		It("fails with a timeout", func() {
			ctrl.SupplyUploadedImage(pngBytes())

			state, err := ctrl.Await(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(state.(extraction.Failed).Kind).To(Equal(apperrors.ErrorTypeTimeout))
		})
	})

	Context("with a slow first attempt", func() {
		var (
			release chan struct{}
			first   *imagesource.Image
			second  *imagesource.Image
		)

		BeforeEach(func() {
			release = make(chan struct{})
			first = uploaded()
			second = uploaded()
			recognizer.respond = func(_ context.Context, img *imagesource.Image) (ocr.RecognitionResult, error) {
				if img.ID == first.ID {
					<-release
					return ocr.RecognitionResult{Text: "AAAAAAA"}, nil
				}
				return ocr.RecognitionResult{Text: "BBBBBBB"}, nil
			}
		})

		It("keeps the result of the newest image", func() {
			ctrl.Supply(first)
			Expect(ctrl.State().Phase()).To(Equal(extraction.PhaseProcessing))

			ctrl.Supply(second)
			Eventually(phaseOf(ctrl)).Should(Equal(extraction.PhaseSucceeded))
			Expect(ctrl.State().(extraction.Succeeded).Tag).To(Equal(tag.ServiceTag("BBBBBBB")))

			close(release)
			Eventually(recorder.Types).Should(ContainElement(observer.ResultDiscarded))
			Consistently(func() tag.ServiceTag {
				return ctrl.State().(extraction.Succeeded).Tag
			}, 50*time.Millisecond).Should(Equal(tag.ServiceTag("BBBBBBB")))
		})

		Context("when the superseded attempt fails late", func() {
			BeforeEach(func() {
				recognizer.respond = func(_ context.Context, img *imagesource.Image) (ocr.RecognitionResult, error) {
					if img.ID == first.ID {
						<-release
						return ocr.RecognitionResult{}, apperrors.NewRecognitionError("engine gave up", nil)
					}
					return ocr.RecognitionResult{Text: "BBBBBBB"}, nil
				}
			})

			It("keeps the newest success", func() {
				ctrl.Supply(first)
				ctrl.Supply(second)
				Eventually(phaseOf(ctrl)).Should(Equal(extraction.PhaseSucceeded))

				close(release)
				Eventually(recorder.Types).Should(ContainElement(observer.ResultDiscarded))
				Consistently(ctrl.State, 50*time.Millisecond).Should(
					BeAssignableToTypeOf(extraction.Succeeded{}))
				Expect(ctrl.State().(extraction.Succeeded).Tag).To(Equal(tag.ServiceTag("BBBBBBB")))
				Expect(recorder.Types()).NotTo(ContainElement(observer.ExtractionFailed))
			})
		})

		It("stays idle when reset before the attempt finishes", func() {
			ctrl.Supply(first)
			ctrl.Reset()
			Expect(ctrl.State()).To(Equal(extraction.Idle{}))

			close(release)
			Eventually(recorder.Types).Should(ContainElement(observer.ResultDiscarded))
			Expect(ctrl.State()).To(Equal(extraction.Idle{}))
		})

		It("lets a missing camera frame supersede the attempt", func() {
			ctrl.Supply(first)
			ctrl.SupplyCameraFrame([]byte{})
			Expect(ctrl.State().(extraction.Failed).Kind).To(Equal(apperrors.ErrorTypeNoFrameAvailable))

			close(release)
			Eventually(recorder.Types).Should(ContainElement(observer.ResultDiscarded))
			Expect(ctrl.State().(extraction.Failed).Kind).To(Equal(apperrors.ErrorTypeNoFrameAvailable))
		})

		It("returns from Await when the context ends", func() {
			ctrl.Supply(first)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			state, err := ctrl.Await(ctx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(state.Phase()).To(Equal(extraction.PhaseProcessing))

			close(release)
		})

		It("settles to idle on close", func() {
			ctrl.Supply(first)
			ctrl.Close()

			state, err := ctrl.Await(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(extraction.Idle{}))

			ctrl.Supply(second)
			Expect(ctrl.State()).To(Equal(extraction.Idle{}))
			close(release)
		})
	})

	Context("when the same image is supplied twice", func() {
		var (
			release chan struct{}
			img     *imagesource.Image
		)

		BeforeEach(func() {
			release = make(chan struct{})
			img = uploaded()
			var once sync.Once
			recognizer.respond = func(ctx context.Context, _ *imagesource.Image) (ocr.RecognitionResult, error) {
				superseded := false
				once.Do(func() { superseded = true })
				if superseded {
					<-ctx.Done()
					return ocr.RecognitionResult{}, ctx.Err()
				}
				<-release
				return ocr.RecognitionResult{Text: "AAAAAAA"}, nil
			}
		})

		It("ignores the canceled first attempt", func() {
			ctrl.Supply(img)
			Eventually(recognizer.Calls).Should(Equal(1))

			ctrl.Supply(img)
			Eventually(recorder.Types).Should(ContainElement(observer.ResultDiscarded))
			Consistently(phaseOf(ctrl), 50*time.Millisecond).Should(Equal(extraction.PhaseProcessing))

			close(release)
			Eventually(phaseOf(ctrl)).Should(Equal(extraction.PhaseSucceeded))
			Expect(ctrl.State().(extraction.Succeeded).Tag).To(Equal(tag.ServiceTag("AAAAAAA")))
			Expect(recorder.Types()).NotTo(ContainElement(observer.ExtractionFailed))
		})
	})

	Context("with a subscriber", func() {
		BeforeEach(func() {
			recognizer.respond = textResult("tag 5XQ7ZK2")
		})

		It("delivers each transition in order", func() {
			states, unsubscribe := ctrl.Subscribe()
			defer unsubscribe()

			ctrl.SupplyUploadedImage(pngBytes())

			var phases []extraction.Phase
			Eventually(func() []extraction.Phase {
				select {
				case s := <-states:
					phases = append(phases, s.Phase())
				default:
				}
				return phases
			}).Should(Equal([]extraction.Phase{
				extraction.PhaseHasImage,
				extraction.PhaseProcessing,
				extraction.PhaseSucceeded,
			}))
		})

		It("closes the channel on unsubscribe", func() {
			states, unsubscribe := ctrl.Subscribe()
			unsubscribe()
			unsubscribe()
			Eventually(states).Should(BeClosed())
		})
	})

	Context("with a custom runner", func() {
		var ran int

		BeforeEach(func() {
			ran = 0
			recognizer.respond = textResult("D8JP9W2")
			opts = append(opts, extraction.WithRunner(func(_ context.Context, job func()) {
				ran++
				job()
			}))
		})

		It("runs each attempt through it", func() {
			ctrl.SupplyUploadedImage(pngBytes())
			Expect(ran).To(Equal(1))
			Expect(ctrl.State().Phase()).To(Equal(extraction.PhaseSucceeded))
		})
	})
})
