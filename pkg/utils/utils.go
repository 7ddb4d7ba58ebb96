package utils

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"mime/multipart"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type IUtils interface {
	NewULIDFromTimestamp(t time.Time) (string, error)
	ValidateAudioFile(file *multipart.FileHeader) error
	ValidateFrame(frame []byte) error
	EncodeFrameBase64(frame []byte) string
}

type utils struct {
	maxAudioSize int64
	maxFrameSize int
}

func New() IUtils {
	return &utils{
		maxAudioSize: 10 * 1024 * 1024,
		maxFrameSize: 5 * 1024 * 1024,
	}
}

func (u *utils) NewULIDFromTimestamp(t time.Time) (string, error) {
	ms := ulid.Timestamp(t)
	entropy := ulid.Monotonic(rand.Reader, 0)

	id, err := ulid.New(ms, entropy)
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

func (u *utils) ValidateAudioFile(file *multipart.FileHeader) error {
	if file == nil {
		return errors.New("no audio file uploaded")
	}

	if file.Size > u.maxAudioSize {
		return errors.New("audio file size exceeds limit")
	}

	contentType := file.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "audio/") && contentType != "application/octet-stream" {
		return errors.New("uploaded file is not audio")
	}

	name := strings.ToLower(file.Filename)
	allowed := []string{".mp3", ".wav", ".m4a", ".ogg", ".webm"}
	for _, ext := range allowed {
		if strings.HasSuffix(name, ext) {
			return nil
		}
	}

	return errors.New("unsupported audio format")
}

func (u *utils) ValidateFrame(frame []byte) error {
	if len(frame) == 0 {
		return errors.New("empty frame")
	}

	if len(frame) > u.maxFrameSize {
		return errors.New("frame size exceeds limit")
	}

	_, _, err := image.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		return errors.New("frame is not a decodable image")
	}

	return nil
}

func (u *utils) EncodeFrameBase64(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}
