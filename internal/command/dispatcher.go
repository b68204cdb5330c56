// Package command issues control commands to connected capture devices.
package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carewatch/backend/internal/metrics"
)

// Broadcaster delivers a command payload to every connected device.
type Broadcaster interface {
	BroadcastDevices(msg []byte)
}

// SaveClipAck is returned to the REST caller after the command has been
// fanned out. It echoes the parameters so the dashboard can correlate the
// eventual upload.
type SaveClipAck struct {
	ClipID        string `json:"clipId"`
	UploadURL     string `json:"uploadUrl"`
	DurationSec   int    `json:"durationSec"`
	PreBufferSec  int    `json:"preBufferSec"`
	PostBufferSec int    `json:"postBufferSec"`
	SubjectKey    int    `json:"subjectId"`
}

type saveClipCommand struct {
	Type          string `json:"type"`
	ClipID        string `json:"clipId"`
	DurationSec   int    `json:"durationSec"`
	PreBufferSec  int    `json:"preBufferSec"`
	PostBufferSec int    `json:"postBufferSec"`
	SubjectKey    int    `json:"subjectId"`
	UploadURL     string `json:"uploadUrl"`
}

// Dispatcher builds device commands and hands them to the hub for fan-out.
type Dispatcher struct {
	bc   Broadcaster
	zone *time.Location
	log  zerolog.Logger

	// now is swappable for deterministic clip ids in tests.
	now func() time.Time
}

func NewDispatcher(bc Broadcaster, zone *time.Location, log zerolog.Logger) *Dispatcher {
	if zone == nil {
		zone = time.UTC
	}
	return &Dispatcher{bc: bc, zone: zone, log: log, now: time.Now}
}

// SendSaveClip tells every connected device to persist its rolling buffer
// as a clip and upload it to the returned URL. Fan-out is best effort; the
// ack is returned even when no device is connected.
func (d *Dispatcher) SendSaveClip(subjectKey, durationSec, preBufferSec, postBufferSec int) (SaveClipAck, error) {
	clipID := d.generateClipID(subjectKey)
	uploadURL := "/api/videos/upload/" + clipID

	payload, err := json.Marshal(saveClipCommand{
		Type:          "SAVE_CLIP",
		ClipID:        clipID,
		DurationSec:   durationSec,
		PreBufferSec:  preBufferSec,
		PostBufferSec: postBufferSec,
		SubjectKey:    subjectKey,
		UploadURL:     uploadURL,
	})
	if err != nil {
		return SaveClipAck{}, fmt.Errorf("marshal save-clip command: %w", err)
	}

	d.bc.BroadcastDevices(payload)
	metrics.CommandsSent.Inc()
	d.log.Info().
		Str("clipId", clipID).
		Int("subjectKey", subjectKey).
		Int("durationSec", durationSec).
		Msg("save-clip command dispatched")

	return SaveClipAck{
		ClipID:        clipID,
		UploadURL:     uploadURL,
		DurationSec:   durationSec,
		PreBufferSec:  preBufferSec,
		PostBufferSec: postBufferSec,
		SubjectKey:    subjectKey,
	}, nil
}

// generateClipID yields "pa<key>_<yyyyMMdd_HHmmss>_<uuid8>"; the subject
// prefix is omitted when the command is not bound to a subject.
func (d *Dispatcher) generateClipID(subjectKey int) string {
	ts := d.now().In(d.zone).Format("20060102_150405")
	rand := uuid.NewString()[:8]
	if subjectKey > 0 {
		return fmt.Sprintf("pa%d_%s_%s", subjectKey, ts, rand)
	}
	return ts + "_" + rand
}
