package inbound

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/hl7v2"
	"github.com/lis/lis/internal/platform/imaging"
)

// -- Mock Repository --

type mockRepo struct {
	messages map[int64]*Message
	images   map[int64]*Image
	nextID   int64
}

func newMockRepo() *mockRepo {
	return &mockRepo{messages: make(map[int64]*Message), images: make(map[int64]*Image)}
}

func (m *mockRepo) Create(_ context.Context, msg *Message) error {
	m.nextID++
	msg.ID = m.nextID
	msg.ReceivedAt = time.Now()
	m.messages[msg.ID] = msg
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id int64) (*Message, error) {
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg, nil
}

func (m *mockRepo) Finish(_ context.Context, id int64, f Finish) error {
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	msg.State, msg.Reason, msg.InstrumentCode, msg.ProcessedAt = f.State, f.Reason, f.InstrumentCode, &now
	return nil
}

func (m *mockRepo) List(_ context.Context, state string, limit, offset int) ([]*Message, int, error) {
	var out []*Message
	for _, msg := range m.messages {
		if state == "" || msg.State == state {
			out = append(out, msg)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) ListEmbedded(_ context.Context) ([]int64, error) {
	var ids []int64
	for id, msg := range m.messages {
		if strings.Contains(strings.ToUpper(msg.OBX), "|ED|") {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *mockRepo) CreateImage(_ context.Context, img *Image) error {
	m.nextID++
	img.ID = m.nextID
	img.Size = len(img.Data)
	m.images[img.ID] = img
	return nil
}

func (m *mockRepo) DeleteImages(_ context.Context, messageID int64) (int64, error) {
	var n int64
	for id, img := range m.images {
		if img.MessageID == messageID {
			delete(m.images, id)
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) ListImages(_ context.Context, messageID int64) ([]*Image, error) {
	var out []*Image
	for _, img := range m.images {
		if img.MessageID == messageID {
			out = append(out, img)
		}
	}
	return out, nil
}

func (m *mockRepo) GetImage(_ context.Context, messageID, imageID int64) (*Image, error) {
	img, ok := m.images[imageID]
	if !ok || img.MessageID != messageID {
		return nil, ErrNotFound
	}
	return img, nil
}

// -- Helpers --

func testService(t *testing.T) (*Service, *mockRepo) {
	t.Helper()
	dec, err := imaging.NewDecoder(imaging.Layout{Width: 2, Height: 2, BytesPerPixel: 3})
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	repo := newMockRepo()
	return NewService(repo, dec, zerolog.Nop()), repo
}

func imageMessage() string {
	good := base64.StdEncoding.EncodeToString(make([]byte, 12))
	bad := base64.StdEncoding.EncodeToString(make([]byte, 5))
	return "MSH|^~\\&|KT6610|GEN1-LAB|||20240115||ORU^R01|M1|P|2.3.1\r" +
		"OBR|1||001013\r" +
		"OBX|1|NM|^WBC^||5.8|10^9/L|4.00-10.00\r" +
		"OBX|2|ED|^WBC Histogram^||^Image^BMP^Base64^" + good + "\r" +
		"OBX|3|ED|^PLT Histogram^||^Image^BMP^Base64^" + bad
}

// =========== Record Tests ===========

func TestService_Record(t *testing.T) {
	svc, repo := testService(t)
	raw := []byte(imageMessage())

	m, err := svc.Record(context.Background(), "10.0.0.5", raw, hl7v2.ParseInbound(raw))
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if m.ID == 0 {
		t.Error("expected ID to be assigned")
	}
	stored := repo.messages[m.ID]
	if stored.State != StateReceived {
		t.Errorf("expected state %q, got %q", StateReceived, stored.State)
	}
	if stored.SampleID != "001013" || stored.PeerAddress != "10.0.0.5" || stored.ControlID != "M1" {
		t.Errorf("unexpected stored fields: %+v", stored)
	}
	if stored.Raw != string(raw) {
		t.Error("expected raw payload to be stored verbatim")
	}
}

func TestService_Record_Latin1Payload(t *testing.T) {
	svc, repo := testService(t)
	raw := []byte("MSH|^~\\&|KT6610|GEN1-LAB|||20240115||ORU^R01|M2|P|2.3.1\r" +
		"PID|1||001013||PE\xd1A^JOS\xc9\x00\r" +
		"OBR|1||001013\r" +
		"OBX|1|NM|^WBC^||5.8|10^9/L|4.00-10.00")

	m, err := svc.Record(context.Background(), "10.0.0.5", raw, hl7v2.ParseInbound(raw))
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	stored := repo.messages[m.ID]
	for name, v := range map[string]string{"raw": stored.Raw, "pid": stored.PID, "obx": stored.OBX} {
		if !utf8.ValidString(v) || strings.ContainsRune(v, 0) {
			t.Errorf("expected %s to be clean UTF-8, got %q", name, v)
		}
	}
	if !strings.Contains(stored.PID, "PEÑA^JOSÉ") {
		t.Errorf("expected Latin-1 name decoded, got %q", stored.PID)
	}
	if stored.SampleID != "001013" {
		t.Errorf("expected sample 001013, got %q", stored.SampleID)
	}
}

// =========== Image Tests ===========

func TestService_SaveImages_SkipsBadPayload(t *testing.T) {
	svc, repo := testService(t)
	raw := []byte(imageMessage())
	m, _ := svc.Record(context.Background(), "", raw, hl7v2.ParseInbound(raw))

	saved, err := svc.SaveImages(context.Background(), m.ID, hl7v2.ParseInbound(raw))
	if err != nil {
		t.Fatalf("SaveImages failed: %v", err)
	}
	if saved != 1 {
		t.Fatalf("expected 1 saved image, got %d", saved)
	}

	images, _ := repo.ListImages(context.Background(), m.ID)
	if len(images) != 1 {
		t.Fatalf("expected 1 stored image, got %d", len(images))
	}
	img := images[0]
	if img.Format != "png" {
		t.Errorf("expected format png, got %q", img.Format)
	}
	if img.Kind != "_WBC Histogram_" {
		t.Errorf("expected kind '_WBC Histogram_', got %q", img.Kind)
	}
	if !strings.HasPrefix(img.Name, "hl7_1_2_") {
		t.Errorf("unexpected name %q", img.Name)
	}
}

func TestService_RegenerateImages(t *testing.T) {
	svc, repo := testService(t)
	raw := []byte(imageMessage())
	p := hl7v2.ParseInbound(raw)

	m, _ := svc.Record(context.Background(), "", raw, p)
	svc.SaveImages(context.Background(), m.ID, p)

	plain := []byte("MSH|^~\\&|A|B\rOBX|1|NM|^WBC^||5.8")
	svc.Record(context.Background(), "", plain, hl7v2.ParseInbound(plain))

	rep, err := svc.RegenerateImages(context.Background())
	if err != nil {
		t.Fatalf("RegenerateImages failed: %v", err)
	}
	if rep.Messages != 1 {
		t.Errorf("expected 1 message regenerated, got %d", rep.Messages)
	}
	if rep.Deleted != 1 || rep.Saved != 1 {
		t.Errorf("expected 1 deleted and 1 saved, got %+v", rep)
	}

	images, _ := repo.ListImages(context.Background(), m.ID)
	if len(images) != 1 {
		t.Errorf("expected 1 image after regeneration, got %d", len(images))
	}
}

func TestService_Image_NotFound(t *testing.T) {
	svc, _ := testService(t)
	if _, err := svc.Image(context.Background(), 1, 99); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
