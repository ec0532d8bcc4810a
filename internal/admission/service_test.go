package admission_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-admission/internal/admission"
	"ms-admission/internal/clock"
	"ms-admission/internal/identifier"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/ratelimit"
	"ms-admission/internal/sse"
	"ms-admission/internal/testutil"
	"ms-admission/internal/tickets/db"
	"ms-admission/internal/tickets/qr"
)

var mexicoCity = mustLoad("America/Mexico_City")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func local(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, mexicoCity)
}

// stepClock is a settable clock for walking through a multi-day event.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingFeed struct {
	mu     sync.Mutex
	events []sse.AdmissionEvent
}

func (f *recordingFeed) Emit(ev sse.AdmissionEvent) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

type harness struct {
	svc   *admission.Service
	store *db.DB
	clk   *stepClock
	fx    testutil.Fixture
	gen   *identifier.Generator
}

// newHarness seeds a three-day event starting 2025-03-01 18:00 local, which
// is already 03-02 in UTC.
func newHarness(t *testing.T) *harness {
	t.Helper()
	bunDB := testutil.NewSQLiteDB(t)
	fx := testutil.SeedFixture(t, bunDB, local(2025, 3, 1, 18, 0), 3)
	store := &db.DB{Bun: bunDB}
	clk := &stepClock{now: local(2025, 3, 1, 9, 0)}

	svc := admission.NewService(store, clock.NewDayClock(mexicoCity, clk), qr.NewCodec(0), logger.NewNop())
	return &harness{svc: svc, store: store, clk: clk, fx: fx, gen: identifier.NewGenerator()}
}

func (h *harness) issue(t *testing.T, mode models.ValidationMode) *models.Ticket {
	t.Helper()
	return h.issueFor(t, h.fx.Event.ID, mode)
}

func (h *harness) issueFor(t *testing.T, eventID string, mode models.ValidationMode) *models.Ticket {
	t.Helper()
	ids, err := h.gen.Issue(h.fx.User.ID, eventID, time.Now())
	require.NoError(t, err)
	ticket := &models.Ticket{
		ID:             uuid.NewString(),
		Code:           ids.Code,
		UniqueURLToken: ids.UniqueURLToken,
		AccessPIN:      ids.PIN,
		ValidationMode: mode,
		Companions:     1,
		UserID:         h.fx.User.ID,
		EventID:        eventID,
		IssuedAt:       time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateTicket(context.Background(), ticket))
	return ticket
}

func (h *harness) scan(t *testing.T, at time.Time, id string) admission.Result {
	t.Helper()
	h.clk.Set(at)
	res, err := h.svc.ValidateAdmission(context.Background(), admission.AdmissionRequest{
		Identifier:  id,
		ValidatorID: "gate-1",
	})
	require.NoError(t, err)
	return res
}

func TestDailyUseExampleSequence(t *testing.T) {
	h := newHarness(t)
	ticket := h.issue(t, models.DailyUse)

	res := h.scan(t, local(2025, 3, 1, 9, 0), ticket.Code)
	assert.Equal(t, admission.Allowed, res.Decision)
	require.NotNil(t, res.Ticket)
	assert.Equal(t, h.fx.User.FullName, res.Ticket.UserName)
	assert.Equal(t, h.fx.Event.Name, res.Ticket.EventName)
	assert.NoError(t, res.Err())

	res = h.scan(t, local(2025, 3, 1, 22, 0), ticket.Code)
	assert.Equal(t, admission.AlreadyUsedToday, res.Decision)
	require.NotNil(t, res.PreviousValidatedAt)
	assert.True(t, res.PreviousValidatedAt.Equal(local(2025, 3, 1, 9, 0)))
	assert.Equal(t, "gate-1", res.PreviousValidatorID)
	var usedToday *admission.AlreadyUsedTodayError
	assert.ErrorAs(t, res.Err(), &usedToday)

	res = h.scan(t, local(2025, 3, 2, 8, 0), ticket.Code)
	assert.Equal(t, admission.Allowed, res.Decision)

	res = h.scan(t, local(2025, 3, 5, 8, 0), ticket.Code)
	assert.Equal(t, admission.OutsideWindow, res.Decision)

	history, err := h.svc.ListValidations(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.False(t, history[0].Success, "newest is the out-of-window attempt")
	assert.Equal(t, "2025-03-02", history[1].ValidationDay)
	assert.True(t, history[1].Success)
	assert.Equal(t, mexicoCity, history[1].ValidatedAt.Location())
}

func TestDailyUseLastMinuteOfDay(t *testing.T) {
	h := newHarness(t)
	ticket := h.issue(t, models.DailyUse)

	assert.Equal(t, admission.Allowed, h.scan(t, local(2025, 3, 3, 23, 59), ticket.Code).Decision)
	// 00:00 on 03-04 is the exclusive end of a three-day window.
	assert.Equal(t, admission.OutsideWindow, h.scan(t, local(2025, 3, 4, 0, 0), ticket.Code).Decision)
}

func TestSingleUse(t *testing.T) {
	h := newHarness(t)
	ticket := h.issue(t, models.SingleUse)

	assert.Equal(t, admission.Allowed, h.scan(t, local(2025, 3, 1, 10, 0), ticket.Code).Decision)

	for _, at := range []time.Time{local(2025, 3, 1, 10, 1), local(2025, 3, 2, 9, 0), local(2025, 3, 3, 20, 0)} {
		res := h.scan(t, at, ticket.Code)
		assert.Equal(t, admission.AlreadyUsed, res.Decision)
		var used *admission.AlreadyUsedError
		require.ErrorAs(t, res.Err(), &used)
		assert.True(t, used.ValidatedAt.Equal(local(2025, 3, 1, 10, 0)))
	}

	stored, err := h.store.GetTicketByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsUsed)
	require.NotNil(t, stored.UsedAt)
	assert.True(t, stored.UsedAt.Equal(local(2025, 3, 1, 10, 0)))
}

func TestOutsideWindowRegardlessOfUsage(t *testing.T) {
	h := newHarness(t)
	fresh := h.issue(t, models.SingleUse)
	used := h.issue(t, models.SingleUse)

	res := h.scan(t, local(2025, 2, 28, 23, 59), fresh.Code)
	assert.Equal(t, admission.OutsideWindow, res.Decision)
	var outside *admission.OutsideWindowError
	require.ErrorAs(t, res.Err(), &outside)
	assert.True(t, outside.Start.Equal(local(2025, 3, 1, 0, 0)))
	assert.True(t, outside.End.Equal(local(2025, 3, 4, 0, 0)))

	assert.Equal(t, admission.Allowed, h.scan(t, local(2025, 3, 1, 12, 0), used.Code).Decision)
	assert.Equal(t, admission.OutsideWindow, h.scan(t, local(2025, 3, 4, 0, 0), used.Code).Decision)
	assert.Equal(t, admission.OutsideWindow, h.scan(t, local(2025, 3, 4, 0, 0), fresh.Code).Decision)
}

func TestExplicitEndDateOverridesDuration(t *testing.T) {
	h := newHarness(t)
	end := local(2025, 3, 1, 23, 0)
	h.fx.Event.EventEndDate = &end
	_, err := h.store.Bun.NewUpdate().Model(h.fx.Event).Column("event_end_date").WherePK().Exec(context.Background())
	require.NoError(t, err)

	ticket := h.issue(t, models.DailyUse)
	assert.Equal(t, admission.Allowed, h.scan(t, local(2025, 3, 1, 23, 30), ticket.Code).Decision)
	assert.Equal(t, admission.OutsideWindow, h.scan(t, local(2025, 3, 2, 8, 0), ticket.Code).Decision)
}

func TestConcurrentScansAdmitOnce(t *testing.T) {
	h := newHarness(t)
	ticket := h.issue(t, models.SingleUse)
	h.clk.Set(local(2025, 3, 2, 10, 0))

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		decisions = map[admission.Decision]int{}
		errs      []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(gate int) {
			defer wg.Done()
			res, err := h.svc.ValidateAdmission(context.Background(), admission.AdmissionRequest{
				Identifier:  ticket.Code,
				ValidatorID: "gate-" + string(rune('a'+gate)),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			decisions[res.Decision]++
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, decisions[admission.Allowed])
	assert.Equal(t, n-1, decisions[admission.AlreadyUsed])
}

func TestUnknownIdentifiers(t *testing.T) {
	h := newHarness(t)
	h.issue(t, models.SingleUse)

	for _, id := range []string{
		"",
		"hello world",
		"https://example.com/not-a-ticket",
		"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		"12345",
	} {
		res := h.scan(t, local(2025, 3, 1, 12, 0), id)
		assert.Equal(t, admission.NotFound, res.Decision, "identifier %q", id)
		var nf *admission.NotFoundError
		assert.ErrorAs(t, res.Err(), &nf)
	}
}

func TestScannedCodeIsNormalized(t *testing.T) {
	h := newHarness(t)
	ticket := h.issue(t, models.SingleUse)

	res := h.scan(t, local(2025, 3, 1, 12, 0), "  "+upper(ticket.Code)+"\n")
	assert.Equal(t, admission.Allowed, res.Decision)
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 32
		}
	}
	return string(b)
}

func TestPINAdmission(t *testing.T) {
	h := newHarness(t)
	ticket := h.issue(t, models.SingleUse)

	res := h.scan(t, local(2025, 3, 1, 12, 0), ticket.AccessPIN)
	assert.Equal(t, admission.Allowed, res.Decision)
	require.NotNil(t, res.Ticket)
	assert.Equal(t, ticket.Code, res.Ticket.Code)

	// The PIN and the code share the same admission history.
	assert.Equal(t, admission.AlreadyUsed, h.scan(t, local(2025, 3, 1, 12, 5), ticket.Code).Decision)
}

func TestPINSharedAcrossEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	later := &models.Event{
		ID:                uuid.NewString(),
		Name:              "Feria de Ciencias",
		Location:          "Explanada",
		EventDate:         local(2025, 4, 10, 10, 0),
		EventDurationDays: 1,
	}
	require.NoError(t, h.store.CreateEvent(ctx, later))

	first := h.issue(t, models.SingleUse)
	second := h.issueFor(t, later.ID, models.SingleUse)
	_, err := h.store.Bun.NewUpdate().Model((*models.Ticket)(nil)).
		Set("access_pin = ?", first.AccessPIN).Where("id = ?", second.ID).Exec(ctx)
	require.NoError(t, err)

	// Only the March event is open, so the PIN is unambiguous.
	res := h.scan(t, local(2025, 3, 1, 12, 0), first.AccessPIN)
	require.Equal(t, admission.Allowed, res.Decision)
	assert.Equal(t, first.ID, res.Ticket.TicketID)

	// Neither is open: nothing to pick.
	res = h.scan(t, local(2025, 3, 20, 12, 0), first.AccessPIN)
	assert.Equal(t, admission.NotFound, res.Decision)

	// Scoping to the event resolves the clash.
	h.clk.Set(local(2025, 4, 10, 12, 0))
	res, err = h.svc.ValidateAdmission(ctx, admission.AdmissionRequest{
		Identifier:  first.AccessPIN,
		ValidatorID: "gate-1",
		EventID:     later.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, admission.Allowed, res.Decision)
	assert.Equal(t, second.ID, res.Ticket.TicketID)
}

func TestPINAttemptLimit(t *testing.T) {
	h := newHarness(t)
	ticket := h.issue(t, models.SingleUse)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	h.svc.Limiter = ratelimit.NewLimiter(client, 2, time.Minute)

	wrong := "000000"
	if ticket.AccessPIN == wrong {
		wrong = "000001"
	}
	assert.Equal(t, admission.NotFound, h.scan(t, local(2025, 3, 1, 12, 0), wrong).Decision)
	assert.Equal(t, admission.NotFound, h.scan(t, local(2025, 3, 1, 12, 0), wrong).Decision)

	_, err = h.svc.ValidateAdmission(context.Background(), admission.AdmissionRequest{
		Identifier:  ticket.AccessPIN,
		ValidatorID: "gate-1",
	})
	assert.ErrorIs(t, err, ratelimit.ErrTooManyAttempts)

	// QR scans are never throttled.
	assert.Equal(t, admission.Allowed, h.scan(t, local(2025, 3, 1, 12, 0), ticket.Code).Decision)

	// Another gate has its own budget.
	res, err := h.svc.ValidateAdmission(context.Background(), admission.AdmissionRequest{
		Identifier:  ticket.AccessPIN,
		ValidatorID: "gate-2",
	})
	require.NoError(t, err)
	assert.Equal(t, admission.AlreadyUsed, res.Decision)
}

func TestValidateImage(t *testing.T) {
	h := newHarness(t)
	ticket := h.issue(t, models.SingleUse)
	h.clk.Set(local(2025, 3, 1, 12, 0))

	png, err := qr.NewCodec(0).Encode(ticket.Code)
	require.NoError(t, err)

	res, err := h.svc.ValidateImage(context.Background(), png, "gate-1")
	require.NoError(t, err)
	assert.Equal(t, admission.Allowed, res.Decision)

	res, err = h.svc.ValidateImage(context.Background(), []byte("not an image"), "gate-1")
	require.NoError(t, err)
	assert.Equal(t, admission.NotFound, res.Decision)
}

func TestFeedReceivesOutcomes(t *testing.T) {
	h := newHarness(t)
	feed := &recordingFeed{}
	h.svc.Feed = feed
	ticket := h.issue(t, models.SingleUse)

	h.scan(t, local(2025, 3, 1, 12, 0), ticket.Code)
	h.scan(t, local(2025, 3, 1, 12, 1), ticket.Code)

	require.Len(t, feed.events, 2)
	assert.Equal(t, "ALLOWED", feed.events[0].Decision)
	assert.Equal(t, "ALREADY_USED", feed.events[1].Decision)
	assert.Equal(t, h.fx.Event.ID, feed.events[1].EventID)
	assert.Equal(t, ticket.Code, feed.events[1].TicketCode)
}

func TestAdmissionStats(t *testing.T) {
	h := newHarness(t)
	a := h.issue(t, models.DailyUse)
	b := h.issue(t, models.DailyUse)

	h.scan(t, local(2025, 3, 1, 10, 0), a.Code)
	h.scan(t, local(2025, 3, 1, 10, 5), b.Code)
	h.scan(t, local(2025, 3, 1, 11, 0), b.Code) // rejected, not counted
	h.scan(t, local(2025, 3, 2, 10, 0), a.Code)

	stats, err := h.svc.AdmissionStats(context.Background(), h.fx.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, []models.DailyAdmissionCount{
		{Day: "2025-03-01", Count: 2},
		{Day: "2025-03-02", Count: 1},
	}, stats.Days)
	assert.True(t, stats.WindowEnd.Equal(local(2025, 3, 4, 0, 0)))

	_, err = h.svc.AdmissionStats(context.Background(), "missing")
	assert.ErrorIs(t, err, db.ErrEventNotFound)
}

func TestResultErrNilOnlyWhenAllowed(t *testing.T) {
	assert.NoError(t, admission.Result{Decision: admission.Allowed}.Err())
	for _, d := range []admission.Decision{
		admission.AlreadyUsed, admission.AlreadyUsedToday, admission.OutsideWindow, admission.NotFound,
	} {
		assert.Error(t, admission.Result{Decision: d}.Err(), string(d))
	}
	assert.False(t, errors.Is(admission.Result{Decision: admission.NotFound}.Err(), db.ErrTicketNotFound))
}

// modeFlipStore switches the ticket to daily use right after the service has
// looked for a prior single-use admission.
type modeFlipStore struct {
	*db.DB
	once sync.Once
}

func (s *modeFlipStore) LastSuccessfulValidation(ctx context.Context, ticketID string) (*models.ValidationLog, error) {
	prev, err := s.DB.LastSuccessfulValidation(ctx, ticketID)
	s.once.Do(func() {
		if flipErr := s.DB.UpdateTicketMode(ctx, ticketID, models.DailyUse); flipErr != nil {
			err = flipErr
		}
	})
	return prev, err
}

func TestAdmissionFollowsModeChangedMidScan(t *testing.T) {
	h := newHarness(t)
	ticket := h.issue(t, models.SingleUse)
	h.svc.Store = &modeFlipStore{DB: h.store}

	res := h.scan(t, local(2025, 3, 1, 10, 0), ticket.Code)
	require.Equal(t, admission.Allowed, res.Decision)
	require.NotNil(t, res.Ticket)
	assert.Equal(t, models.DailyUse, res.Ticket.ValidationMode)

	history, err := h.store.ListValidations(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].AdmissionKey)
	assert.Equal(t, ticket.ID+"@2025-03-01", *history[0].AdmissionKey)

	// Daily use now: the next day admits again.
	res = h.scan(t, local(2025, 3, 2, 10, 0), ticket.Code)
	assert.Equal(t, admission.Allowed, res.Decision)
}
