package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/d1nch8g/voicetutor/agentapi"
	"github.com/d1nch8g/voicetutor/audio/device"
	"github.com/d1nch8g/voicetutor/capture"
	"github.com/d1nch8g/voicetutor/config"
	"github.com/d1nch8g/voicetutor/conversation"
	"github.com/d1nch8g/voicetutor/liveview"
	"github.com/d1nch8g/voicetutor/stt"
	"github.com/d1nch8g/voicetutor/visualizer"
)

func runSession(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mic := device.NewMicrophone(device.Config{
		SampleRate:      cfg.SampleRate,
		FramesPerBuffer: cfg.FramesPerBuffer,
	}, logger)

	var recognizer stt.Recognizer
	if cfg.RecognitionConfigured() {
		yandex, err := stt.NewYandexRecognizer(stt.YandexConfig{
			IamToken:   cfg.IamToken,
			FolderID:   cfg.FolderID,
			Language:   cfg.Language,
			SampleRate: int64(cfg.SampleRate),
		}, mic.Feed(), logger)
		if err != nil {
			return err
		}
		defer yandex.Close()
		recognizer = yandex
	}

	scheduler := visualizer.NewTickerScheduler(cfg.FrameRate)
	defer scheduler.Close()
	surface := visualizer.NewImageSurface(cfg.CanvasWidth, cfg.CanvasHeight)
	renderer := visualizer.NewRenderer(surface, scheduler, logger)

	sessionID, err := conversation.LoadOrCreateSessionID(cfg.SessionFile)
	if err != nil {
		return err
	}
	logger.Info("conversation session", zap.String("session_id", sessionID))

	client := agentapi.NewClient(cfg.AgentURL, logger)
	go checkHealth(ctx, client, logger)

	pipeline := conversation.NewPipeline(conversation.Config{
		MaxHistorySize: cfg.MaxHistorySize,
		TypingSpeed:    cfg.TypingSpeed,
	}, client, sessionID, os.Stdout, logger)
	go pipeline.Run(ctx)

	controller := capture.NewController(mic, stt.NewSession(recognizer, logger), renderer, pipeline,
		capture.WithLogger(logger))
	defer controller.Teardown()
	controller.Subscribe(&consoleObserver{out: os.Stdout})

	if cfg.LiveViewAddr != "" {
		hub := liveview.NewHub(controller, logger)
		hub.History = pipeline
		controller.Subscribe(hub)
		surface.OnFrame = hub.PublishFrame
		pipeline.OnReply(hub.PublishReply)

		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		srv := &http.Server{Addr: cfg.LiveViewAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("live view server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info("live view listening", zap.String("addr", cfg.LiveViewAddr))
	}

	if controller.Supported() {
		fmt.Println("Press Enter to start or stop listening. Type a line to send it as text. Ctrl-C quits.")
	} else {
		fmt.Println("Speech recognition is not available (set IAM_TOKEN and FOLDER_ID). Type a line to send it as text. Ctrl-C quits.")
	}

	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nStopping...")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if text := strings.TrimSpace(line); text != "" {
				pipeline.Deliver(capture.Utterance{Text: text, Timestamp: time.Now()})
				continue
			}
			if !controller.Supported() {
				continue
			}
			if err := controller.Toggle(ctx); err != nil {
				fmt.Printf("Cannot listen: %v\n", err)
			}
		}
	}
}

func checkHealth(ctx context.Context, client *agentapi.Client, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	h, err := client.Health(ctx)
	if err != nil {
		logger.Warn("tutor agent API is not available", zap.Error(err))
		return
	}
	logger.Info("tutor agent API health", zap.String("status", h.Status))
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// consoleObserver prints capture updates for the terminal session.
type consoleObserver struct {
	out io.Writer
}

func (o *consoleObserver) StateChanged(s capture.Session) {
	switch s.State {
	case capture.Listening:
		fmt.Fprintln(o.out, "Listening...")
	case capture.Idle:
		fmt.Fprintln(o.out, "\nStopped.")
	}
}

func (o *consoleObserver) TranscriptUpdated(text string) {
	fmt.Fprintf(o.out, "\r\033[K> %s", text)
}

func (o *consoleObserver) CaptureFailed(err error) {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		fmt.Fprintln(o.out, "\nMicrophone access was denied. Allow it and press Enter to try again.")
	case errors.Is(err, capture.ErrDeviceUnavailable):
		fmt.Fprintln(o.out, "\nNo microphone found. Connect one and press Enter to try again.")
	default:
		fmt.Fprintf(o.out, "\nCapture stopped: %v\n", err)
	}
}
