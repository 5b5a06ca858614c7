package api

import (
	"github.com/iqtiles/server/internal/service"
)

// RecordingRegistry holds spectrogram services for all configured recordings.
type RecordingRegistry struct {
	services         map[string]*service.SpectrogramService
	defaultRecording string
	recordingOrder   []string
	title            string
}

// NewRecordingRegistry creates a new recording registry. The first
// registered recording becomes the default.
func NewRecordingRegistry(title string) *RecordingRegistry {
	return &RecordingRegistry{
		services: make(map[string]*service.SpectrogramService),
		title:    title,
	}
}

// Register adds the service for a recording.
func (r *RecordingRegistry) Register(svc *service.SpectrogramService) {
	id := svc.RecordingID()
	if _, ok := r.services[id]; !ok {
		r.recordingOrder = append(r.recordingOrder, id)
	}
	r.services[id] = svc
	if r.defaultRecording == "" {
		r.defaultRecording = id
	}
}

// Get returns the service for a recording, or nil if not found.
func (r *RecordingRegistry) Get(recordingID string) *service.SpectrogramService {
	return r.services[recordingID]
}

// DefaultRecordingID returns the default recording ID.
func (r *RecordingRegistry) DefaultRecordingID() string {
	return r.defaultRecording
}

// RecordingIDs returns all recording IDs in registration order.
func (r *RecordingRegistry) RecordingIDs() []string {
	return r.recordingOrder
}

// Title returns the configured site title.
func (r *RecordingRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "IQ Tiles"
}

// Recordings returns info for all registered recordings.
func (r *RecordingRegistry) Recordings() []service.RecordingInfo {
	infos := make([]service.RecordingInfo, 0, len(r.recordingOrder))
	for _, id := range r.recordingOrder {
		infos = append(infos, r.services[id].Info())
	}
	return infos
}

// Close closes every recording's source.
func (r *RecordingRegistry) Close() error {
	var first error
	for _, id := range r.recordingOrder {
		if err := r.services[id].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
