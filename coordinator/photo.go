package coordinator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type photoResponse struct {
	Photo string `json:"photo_base64"`
}

// handleGetPhoto forwards the request to vision and spawns a short-lived
// worker so the up-to-2s wait for a reply never stalls the tick loop
// (spec §4.5.6, §5 "Per-photo worker").
func (c *Coordinator) handleGetPhoto() {
	c.hub.Send(visionPeer, map[string]string{"command": "get_photo"})
	go c.runPhotoWorker()
}

func (c *Coordinator) runPhotoWorker() {
	deadline := c.now().Add(time.Duration(c.visionTimeoutSeconds) * time.Second)
	for c.now().Before(deadline) {
		msg, ok := c.hub.GetCommand(visionPeer)
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		var resp photoResponse
		if err := json.Unmarshal(msg, &resp); err != nil || resp.Photo == "" {
			continue
		}
		path, err := c.savePhoto(resp.Photo)
		if err != nil {
			c.emit("photo_ready", map[string]string{"error": "save_failed"})
			return
		}
		c.emit("photo_ready", map[string]string{"photo_path": path})
		return
	}
	c.emit("photo_ready", map[string]string{"error": "vision_unavailable"})
}

func (c *Coordinator) savePhoto(b64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.photoDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("photo_%d.jpg", c.now().UnixNano())
	path := filepath.Join(c.photoDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
