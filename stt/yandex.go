package stt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	speechkit "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/stt/v3"
)

const YandexSTTEndpoint = "stt.api.cloud.yandex.net:443"

// PCMFeed supplies 16-bit little-endian mono PCM chunks.
type PCMFeed interface {
	Subscribe(buffer int) (<-chan []byte, func())
}

type YandexConfig struct {
	IamToken   string
	FolderID   string
	Language   string
	SampleRate int64
}

type YandexRecognizer struct {
	client speechkit.RecognizerClient
	conn   *grpc.ClientConn
	feed   PCMFeed
	config YandexConfig
	logger *zap.Logger
}

var _ Recognizer = (*YandexRecognizer)(nil)

func NewYandexRecognizer(config YandexConfig, feed PCMFeed, logger *zap.Logger) (*YandexRecognizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := grpc.NewClient(YandexSTTEndpoint, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Yandex STT: %w", err)
	}

	return &YandexRecognizer{
		client: speechkit.NewRecognizerClient(conn),
		conn:   conn,
		feed:   feed,
		config: config,
		logger: logger.Named("yandex-stt"),
	}, nil
}

func (y *YandexRecognizer) Supported() bool {
	return y != nil && y.feed != nil && y.config.IamToken != "" && y.config.FolderID != ""
}

func (y *YandexRecognizer) Close() error {
	return y.conn.Close()
}

func (y *YandexRecognizer) StreamRecognize(ctx context.Context, results chan<- string) error {
	audioData, unsubscribe := y.feed.Subscribe(64)
	defer unsubscribe()

	ctx = metadata.NewOutgoingContext(ctx, metadata.Pairs(
		"authorization", "Bearer "+y.config.IamToken,
		"x-folder-id", y.config.FolderID,
	))

	stream, err := y.client.RecognizeStreaming(ctx)
	if err != nil {
		return fmt.Errorf("failed to create streaming client: %w", err)
	}

	if err := stream.Send(y.sessionOptions()); err != nil {
		return fmt.Errorf("failed to send session options: %w", err)
	}

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- y.receive(ctx, stream, results)
	}()

	for {
		select {
		case <-ctx.Done():
			stream.CloseSend()
			<-recvErr
			return nil
		case err := <-recvErr:
			return err
		case chunk, ok := <-audioData:
			if !ok {
				stream.CloseSend()
				return <-recvErr
			}
			req := &speechkit.StreamingRequest{
				Event: &speechkit.StreamingRequest_Chunk{
					Chunk: &speechkit.AudioChunk{Data: chunk},
				},
			}
			if err := stream.Send(req); err != nil {
				if ctx.Err() != nil {
					<-recvErr
					return nil
				}
				return fmt.Errorf("failed to send audio chunk: %w", err)
			}
		}
	}
}

func (y *YandexRecognizer) receive(ctx context.Context, stream speechkit.Recognizer_RecognizeStreamingClient, results chan<- string) error {
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to receive recognition: %w", err)
		}

		final := resp.GetFinal()
		if final == nil {
			continue
		}
		// Alternatives are ranked; the first one is the best guess.
		alternatives := final.GetAlternatives()
		if len(alternatives) == 0 || alternatives[0].GetText() == "" {
			continue
		}
		select {
		case results <- alternatives[0].GetText():
		case <-ctx.Done():
			return nil
		}
	}
}

func (y *YandexRecognizer) sessionOptions() *speechkit.StreamingRequest {
	return &speechkit.StreamingRequest{
		Event: &speechkit.StreamingRequest_SessionOptions{
			SessionOptions: &speechkit.StreamingOptions{
				RecognitionModel: &speechkit.RecognitionModelOptions{
					AudioFormat: &speechkit.AudioFormatOptions{
						AudioFormat: &speechkit.AudioFormatOptions_RawAudio{
							RawAudio: &speechkit.RawAudio{
								AudioEncoding:     speechkit.RawAudio_LINEAR16_PCM,
								SampleRateHertz:   y.config.SampleRate,
								AudioChannelCount: 1,
							},
						},
					},
					TextNormalization: &speechkit.TextNormalizationOptions{
						TextNormalization: speechkit.TextNormalizationOptions_TEXT_NORMALIZATION_ENABLED,
					},
					LanguageRestriction: &speechkit.LanguageRestrictionOptions{
						RestrictionType: speechkit.LanguageRestrictionOptions_WHITELIST,
						LanguageCode:    []string{y.config.Language},
					},
					AudioProcessingType: speechkit.RecognitionModelOptions_REAL_TIME,
				},
			},
		},
	}
}
