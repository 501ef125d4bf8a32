package conversation

import (
	"context"
	"io"
	"time"
	"unicode/utf8"
)

// Reveal writes text to w one character per tick, then a newline.
func Reveal(ctx context.Context, w io.Writer, text string, speed time.Duration) error {
	if text == "" {
		return nil
	}
	if speed <= 0 {
		_, err := io.WriteString(w, text+"\n")
		return err
	}

	ticker := time.NewTicker(speed)
	defer ticker.Stop()

	for len(text) > 0 {
		select {
		case <-ctx.Done():
			io.WriteString(w, text+"\n")
			return ctx.Err()
		case <-ticker.C:
		}
		_, size := utf8.DecodeRuneInString(text)
		if _, err := io.WriteString(w, text[:size]); err != nil {
			return err
		}
		text = text[size:]
	}
	_, err := io.WriteString(w, "\n")
	return err
}
