package websocket

import (
	"encoding/json"
	"sync"

	"fieldscan/internal/models"
)

// OverlayMessage is the JSON pushed to viewers for every published batch.
type OverlayMessage struct {
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Detections []models.Detection `json:"detections"`
	Counts     models.ClassTally  `json:"counts"`
}

// OverlaySurface is a render surface that streams batches to the hub
// instead of drawing them.
type OverlaySurface struct {
	hub *HubService

	mu     sync.Mutex
	width  int
	height int
}

func NewOverlaySurface(hub *HubService) *OverlaySurface {
	return &OverlaySurface{hub: hub}
}

func (s *OverlaySurface) Resize(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width, s.height = width, height
}

func (s *OverlaySurface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// DrawOverlay broadcasts the batch when anyone is watching.
func (s *OverlaySurface) DrawOverlay(dets []models.Detection) {
	if s.hub.GetClientCount() == 0 {
		return
	}
	w, h := s.Size()
	if dets == nil {
		dets = []models.Detection{}
	}
	msg, err := json.Marshal(OverlayMessage{Width: w, Height: h, Detections: dets, Counts: models.Tally(dets)})
	if err != nil {
		s.hub.logger.Error("Encoding overlay message: %v", err)
		return
	}
	s.hub.Broadcast(msg)
}
