package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lis/lis/internal/domain/equipment"
	"github.com/lis/lis/internal/domain/inbound"
	"github.com/lis/lis/internal/domain/laboratory"
	"github.com/lis/lis/internal/platform/events"
	"github.com/lis/lis/internal/platform/hl7v2"
)

// -- Laboratory --

type resultKey struct {
	orderExamID int64
	parameter   string
}

type fakeLab struct {
	orders     map[string]*laboratory.Order
	patients   map[int64]*laboratory.Patient
	orderExams map[[2]int64]*laboratory.OrderExam
	results    map[resultKey]laboratory.Result
	nextID     int64

	upsertErr  error
	upsertFail int // fail on the n-th upsert when > 0
	upserts    int
	lookupErr  error
	panicOn    string
}

func newFakeLab() *fakeLab {
	return &fakeLab{
		orders:     make(map[string]*laboratory.Order),
		patients:   make(map[int64]*laboratory.Patient),
		orderExams: make(map[[2]int64]*laboratory.OrderExam),
		results:    make(map[resultKey]laboratory.Result),
	}
}

func (f *fakeLab) addOrder(o *laboratory.Order) {
	f.orders[o.Number] = o
}

func (f *fakeLab) addOrderExam(oe *laboratory.OrderExam) {
	f.orderExams[[2]int64{oe.OrderID, oe.ExamID}] = oe
}

func (f *fakeLab) GetOrderByNumber(_ context.Context, number string) (*laboratory.Order, error) {
	if f.panicOn == number {
		panic("lookup exploded")
	}
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	o, ok := f.orders[number]
	if !ok {
		return nil, laboratory.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeLab) GetPatient(_ context.Context, id int64) (*laboratory.Patient, error) {
	p, ok := f.patients[id]
	if !ok {
		return nil, laboratory.ErrNotFound
	}
	return p, nil
}

func (f *fakeLab) GetOrderExam(_ context.Context, orderID, examID int64) (*laboratory.OrderExam, error) {
	oe, ok := f.orderExams[[2]int64{orderID, examID}]
	if !ok {
		return nil, laboratory.ErrNotFound
	}
	return oe, nil
}

func (f *fakeLab) UpsertResult(_ context.Context, r *laboratory.Result) (bool, error) {
	f.upserts++
	if f.upsertErr != nil && (f.upsertFail == 0 || f.upserts == f.upsertFail) {
		return false, f.upsertErr
	}
	key := resultKey{r.OrderExamID, r.Parameter}
	existing, found := f.results[key]
	if found {
		r.ID = existing.ID
	} else {
		f.nextID++
		r.ID = f.nextID
	}
	r.UpdatedAt = time.Now()
	f.results[key] = *r
	return !found, nil
}

func (f *fakeLab) MarkOrderPendingValidation(_ context.Context, orderID int64) error {
	for _, o := range f.orders {
		if o.ID == orderID {
			o.State = laboratory.OrderPendingValidation
			return nil
		}
	}
	return laboratory.ErrNotFound
}

func (f *fakeLab) MarkExamsProcessed(_ context.Context, orderID int64) (int64, error) {
	var n int64
	for _, oe := range f.orderExams {
		if oe.OrderID == orderID && oe.State != laboratory.ExamValidated {
			oe.State = laboratory.ExamProcessed
			n++
		}
	}
	return n, nil
}

type labSnapshot struct {
	orderStates map[string]string
	examStates  map[[2]int64]string
	results     map[resultKey]laboratory.Result
	nextID      int64
}

func (f *fakeLab) snapshot() labSnapshot {
	s := labSnapshot{
		orderStates: make(map[string]string),
		examStates:  make(map[[2]int64]string),
		results:     make(map[resultKey]laboratory.Result),
		nextID:      f.nextID,
	}
	for k, o := range f.orders {
		s.orderStates[k] = o.State
	}
	for k, oe := range f.orderExams {
		s.examStates[k] = oe.State
	}
	for k, r := range f.results {
		s.results[k] = r
	}
	return s
}

func (f *fakeLab) restore(s labSnapshot) {
	for k, st := range s.orderStates {
		f.orders[k].State = st
	}
	for k, st := range s.examStates {
		f.orderExams[k].State = st
	}
	f.results = s.results
	f.nextID = s.nextID
}

// -- Equipment --

type fakeEquip struct {
	instruments []*equipment.Instrument
	mappings    map[int64][]*equipment.Mapping
	err         error
}

func (f *fakeEquip) GetByID(_ context.Context, id int64) (*equipment.Instrument, error) {
	for _, in := range f.instruments {
		if in.ID == id {
			return in, nil
		}
	}
	return nil, equipment.ErrNotFound
}

func (f *fakeEquip) ListActive(_ context.Context) ([]*equipment.Instrument, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.instruments, nil
}

func (f *fakeEquip) ListActiveByHost(_ context.Context, host string) ([]*equipment.Instrument, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*equipment.Instrument
	for _, in := range f.instruments {
		if in.Host == host {
			out = append(out, in)
		}
	}
	return out, nil
}

func (f *fakeEquip) ActiveMappings(_ context.Context, instrumentID int64) ([]*equipment.Mapping, error) {
	return f.mappings[instrumentID], nil
}

// -- Message store --

type fakeStore struct {
	mu        sync.Mutex
	messages  map[int64]*inbound.Message
	images    map[int64]int
	nextID    int64
	recordErr error
	finishErr error
	finishes  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[int64]*inbound.Message), images: make(map[int64]int)}
}

func (f *fakeStore) Record(_ context.Context, peer string, raw []byte, p *hl7v2.ParseOutcome) (*inbound.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	m := inbound.NewMessage(peer, raw, p)
	f.nextID++
	m.ID = f.nextID
	m.ReceivedAt = time.Now()
	f.messages[m.ID] = m
	return m, nil
}

func (f *fakeStore) Finish(_ context.Context, id int64, fin inbound.Finish) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishes++
	if f.finishErr != nil {
		return f.finishErr
	}
	m, ok := f.messages[id]
	if !ok {
		return inbound.ErrNotFound
	}
	now := time.Now()
	m.State, m.Reason, m.InstrumentCode, m.ProcessedAt = fin.State, fin.Reason, fin.InstrumentCode, &now
	return nil
}

func (f *fakeStore) Get(_ context.Context, id int64) (*inbound.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, inbound.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) SaveImages(_ context.Context, id int64, p *hl7v2.ParseOutcome) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(p.Embedded())
	f.images[id] += n
	return n, nil
}

func (f *fakeStore) DeleteImages(_ context.Context, id int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.images[id]
	delete(f.images, id)
	return int64(n), nil
}

func (f *fakeStore) message(id int64) inbound.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.messages[id]
}

type storeSnapshot map[int64]inbound.Message

func (f *fakeStore) snapshot() storeSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := make(storeSnapshot, len(f.messages))
	for id, m := range f.messages {
		s[id] = *m
	}
	return s
}

func (f *fakeStore) restore(s storeSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, m := range s {
		cp := m
		f.messages[id] = &cp
	}
}

// -- Transaction --

// fakeTx restores lab and store to their state at begin when fn fails.
type fakeTx struct {
	lab       *fakeLab
	store     *fakeStore
	began     int
	rolled    int
	commitErr error
}

func (t *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.began++
	labSnap, storeSnap := t.lab.snapshot(), t.store.snapshot()
	err := fn(ctx)
	if err == nil && t.commitErr != nil {
		err = t.commitErr
	}
	if err != nil {
		t.rolled++
		t.lab.restore(labSnap)
		t.store.restore(storeSnap)
		return err
	}
	return nil
}

// -- Publisher --

type recordingPublisher struct {
	mu       sync.Mutex
	outcomes []events.Outcome
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, o events.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, o)
	return p.err
}

func (p *recordingPublisher) last() events.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.outcomes) == 0 {
		return events.Outcome{}
	}
	return p.outcomes[len(p.outcomes)-1]
}

// -- Listener --

type fakeListener struct {
	running bool
}

func (l *fakeListener) Start() bool {
	if l.running {
		return false
	}
	l.running = true
	return true
}

func (l *fakeListener) Stop() bool {
	if !l.running {
		return false
	}
	l.running = false
	return true
}

func (l *fakeListener) Status() bool { return l.running }

func (l *fakeListener) Addr() string {
	if !l.running {
		return ""
	}
	return "127.0.0.1:2575"
}

// -- Message browser --

type fakeBrowser struct {
	store  *fakeStore
	images map[int64][]*inbound.Image
	regen  inbound.RegenerateReport
}

func (b *fakeBrowser) Get(ctx context.Context, id int64) (*inbound.Message, error) {
	return b.store.Get(ctx, id)
}

func (b *fakeBrowser) List(_ context.Context, state string, limit, offset int) ([]*inbound.Message, int, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	var all []*inbound.Message
	for _, m := range b.store.messages {
		if state == "" || m.State == state {
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if offset >= total {
		return []*inbound.Message{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (b *fakeBrowser) Images(_ context.Context, messageID int64) ([]*inbound.Image, error) {
	return b.images[messageID], nil
}

func (b *fakeBrowser) Image(_ context.Context, messageID, imageID int64) (*inbound.Image, error) {
	for _, img := range b.images[messageID] {
		if img.ID == imageID {
			return img, nil
		}
	}
	return nil, inbound.ErrNotFound
}

func (b *fakeBrowser) RegenerateImages(context.Context) (inbound.RegenerateReport, error) {
	return b.regen, nil
}

var errBoom = errors.New("boom")
