package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"CROWD_MONITOR/go-backend/internal/models"
)

var log = logrus.New()

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *client) upload(path, field, filename string, data []byte, out interface{}) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.base+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e models.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("status %d: %s (%s)", resp.StatusCode, e.Error, e.Code)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func testHealth(c *client) error {
	log.Info("[TEST] /api/health")
	var h models.HealthStatus
	if err := c.get("/api/health", &h); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"status":   h.Status,
		"detector": h.DetectorKind,
		"serving":  h.Detector,
	}).Info("health ok")
	return nil
}

func testDetectFrame(c *client) error {
	log.Info("[TEST] /api/detect_frame")
	frame, err := generateTestImage()
	if err != nil {
		return err
	}
	var res models.DetectFrameResponse
	if err := c.upload("/api/detect_frame", "image", "frame.jpg", frame, &res); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"people":       res.PeopleInFrame,
		"danger_zones": res.DangerZones,
		"alert":        res.GlobalAlert.Alert,
	}).Info("frame analysed")
	return nil
}

// watch prints stream messages until stop is closed.
func watch(base string, stop <-chan struct{}) (<-chan struct{}, error) {
	url := "ws" + strings.TrimPrefix(base, "http") + "/ws?clientId=test-client"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case models.MessageFrameUpdate:
				var u models.FrameUpdateMessage
				if json.Unmarshal(msg.Payload, &u) == nil {
					log.WithFields(logrus.Fields{
						"frame":    u.FrameIndex,
						"people":   u.PeopleInFrame,
						"progress": u.Progress,
						"danger":   u.DangerZones,
					}).Info("frame update")
				}
			default:
				log.WithField("type", msg.Type).Info("stream message")
			}
		}
	}()
	go func() {
		<-stop
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()
	return done, nil
}

func testDetectVideo(c *client, path string) (string, error) {
	log.WithField("file", path).Info("[TEST] /api/detect")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var rep models.SessionReport
	if err := c.upload("/api/detect", "video", filepath.Base(path), data, &rep); err != nil {
		return "", err
	}
	log.WithFields(logrus.Fields{
		"session":   rep.SessionID,
		"state":     rep.State,
		"total":     rep.TotalPeopleDetected,
		"average":   rep.AveragePeoplePerFrame,
		"peak":      rep.PeakPeople,
		"sampled":   rep.FramesSampled,
		"elapsed_s": rep.ProcessingTimeSeconds,
	}).Info("video report")
	for name, danger := range rep.QuadrantAlerts {
		if danger {
			log.WithFields(logrus.Fields{"cell": name, "avg": rep.AvgQuadrantCounts[name]}).Warn("danger cell")
		}
	}
	return rep.SessionID, nil
}

func testSessions(c *client, id string) error {
	log.Info("[TEST] /api/sessions")
	var list models.SessionList
	if err := c.get("/api/sessions?limit=5", &list); err != nil {
		return err
	}
	log.WithField("total", list.Total).Info("sessions listed")
	if id == "" {
		return nil
	}
	var frames []models.FrameEvent
	if err := c.get("/api/sessions/"+id+"/frames", &frames); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"session": id, "frames": len(frames)}).Info("frame events")
	return nil
}

// generateTestImage draws a few dark blobs on a light background.
func generateTestImage() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.RGBA{200, 200, 200, 255})
		}
	}
	for _, p := range []image.Point{{80, 100}, {300, 240}, {520, 380}} {
		for y := p.Y - 40; y < p.Y+40; y++ {
			for x := p.X - 15; x < p.X+15; x++ {
				img.Set(x, y, color.RGBA{40, 40, 60, 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func main() {
	base := flag.String("server", "http://localhost:8081", "Backend base URL")
	video := flag.String("video", "", "Video file to upload to /api/detect")
	timeout := flag.Duration("timeout", 5*time.Minute, "HTTP timeout")
	flag.Parse()

	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	c := &client{base: strings.TrimSuffix(*base, "/"), http: &http.Client{Timeout: *timeout}}

	log.WithField("server", c.base).Info("crowd monitor test client")

	if err := testHealth(c); err != nil {
		log.WithError(err).Fatal("health check failed")
	}
	if err := testDetectFrame(c); err != nil {
		log.WithError(err).Error("single frame detection failed, is the detector running?")
	}

	var sessionID string
	if *video != "" {
		stop := make(chan struct{})
		done, err := watch(c.base, stop)
		if err != nil {
			log.WithError(err).Warn("websocket unavailable, uploading without live updates")
		}
		sessionID, err = testDetectVideo(c, *video)
		close(stop)
		if done != nil {
			<-done
		}
		if err != nil {
			log.WithError(err).Fatal("video detection failed")
		}
	}

	if err := testSessions(c, sessionID); err != nil {
		log.WithError(err).Warn("session listing failed")
	}
	log.Info("all checks completed")
}
