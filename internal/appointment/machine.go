package appointment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ndvalle/mostrador/internal/models"
	"github.com/ndvalle/mostrador/internal/stock"
	"github.com/ndvalle/mostrador/internal/textnorm"
	"github.com/rs/zerolog"
)

// DefaultMaxAttempts is how many unparseable answers a step tolerates
// before the flow is abandoned.
const DefaultMaxAttempts = 3

// serviceKeywords are customer phrasings per service code, on top of the
// service name itself.
var serviceKeywords = map[string][]string{
	"tire-change":         {"cambio de neumaticos", "cambio de cubiertas", "cambio de gomas", "cambiar cubiertas", "cambiar neumaticos", "neumaticos", "cubiertas"},
	"alignment":           {"alineacion", "alineado", "alinear"},
	"balancing":           {"balanceo", "balancear"},
	"alignment-balancing": {"alineacion y balanceo", "alineado y balanceo", "alinear y balancear"},
	"oil-change":          {"aceite", "service de aceite"},
	"inspection":          {"revision", "inspeccion", "chequeo", "control"},
}

var phoneRe = regexp.MustCompile(`\+?\d[\d\s-]{7,}\d`)

// Machine drives the booking conversation one customer message at a time.
// It is stateless: the caller persists the returned flow.
type Machine struct {
	catalog     Catalog
	store       Store
	loc         *time.Location
	maxAttempts int
	now         func() time.Time
	log         zerolog.Logger
}

// MachineOpts holds parameters for creating a Machine.
type MachineOpts struct {
	Catalog     Catalog
	Store       Store
	Location    *time.Location // business timezone; defaults to UTC
	MaxAttempts int
	Now         func() time.Time
	Log         *zerolog.Logger
}

// NewMachine creates a Machine.
func NewMachine(opts MachineOpts) (*Machine, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("appointment: catalog is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("appointment: store is required")
	}
	m := &Machine{
		catalog:     opts.Catalog,
		store:       opts.Store,
		loc:         opts.Location,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		log:         zerolog.Nop(),
	}
	if m.loc == nil {
		m.loc = time.UTC
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.now == nil {
		m.now = time.Now
	}
	if opts.Log != nil {
		m.log = *opts.Log
	}
	return m, nil
}

// Input is one customer message addressed to the flow.
type Input struct {
	ConversationID uint
	Phone          string
	ContactName    string
	Text           string
	Source         string
}

// Result is the outcome of one step.
type Result struct {
	Reply       string
	Flow        *models.PendingFlow // nil once the flow has ended
	From, To    models.FlowStep
	Appointment *models.Appointment // set when a booking was written
}

// Ended reports whether the flow finished or was abandoned.
func (r Result) Ended() bool { return r.Flow == nil }

// Start opens a new flow at the service step.
func (m *Machine) Start(ctx context.Context, in Input) (Result, error) {
	services, err := m.catalog.Services(ctx)
	if err != nil {
		return Result{}, err
	}
	st := &models.AppointmentState{
		Step:          models.StepCollectingService,
		CustomerPhone: in.Phone,
		StartedAt:     m.now().UTC(),
	}
	return m.keep(st, "", askServiceMsg(services)), nil
}

// Handle advances the flow with the customer's reply. The caller's state
// is not modified.
func (m *Machine) Handle(ctx context.Context, cur *models.AppointmentState, in Input) (Result, error) {
	if cur == nil {
		return Result{}, fmt.Errorf("appointment: no flow state")
	}
	st := *cur
	from := st.Step

	if IsCancel(in.Text) {
		return m.end(from, models.StepCancelled, cancelledMsg(), nil), nil
	}
	if IsGoBack(in.Text) {
		return m.goBack(ctx, &st)
	}

	switch st.Step {
	case models.StepCollectingService:
		return m.collectService(ctx, &st, in)
	case models.StepCollectingBranch:
		return m.collectBranch(ctx, &st, in)
	case models.StepCollectingDateTime:
		return m.collectDateTime(&st, in), nil
	case models.StepCollectingContact:
		return m.collectContact(&st, in), nil
	case models.StepConfirming:
		return m.confirm(ctx, &st, in), nil
	}
	return Result{}, fmt.Errorf("appointment: unexpected step %q", st.Step)
}

// keep returns a result that persists st.
func (m *Machine) keep(st *models.AppointmentState, from models.FlowStep, reply string) Result {
	return Result{
		Reply: reply,
		Flow:  &models.PendingFlow{Kind: models.FlowAppointment, Appointment: st, UpdatedAt: m.now().UTC()},
		From:  from,
		To:    st.Step,
	}
}

func (m *Machine) end(from, to models.FlowStep, reply string, a *models.Appointment) Result {
	return Result{Reply: reply, From: from, To: to, Appointment: a}
}

// advance moves st to next and resets the attempt counter.
func (m *Machine) advance(st *models.AppointmentState, next models.FlowStep, reply string) Result {
	from := st.Step
	st.Step = next
	st.Attempts = 0
	return m.keep(st, from, reply)
}

// retry counts a failed answer and abandons the flow at the limit.
func (m *Machine) retry(st *models.AppointmentState, reply string) Result {
	st.Attempts++
	if st.Attempts >= m.maxAttempts {
		return m.end(st.Step, models.StepCancelled, tooManyAttemptsMsg(), nil)
	}
	return m.keep(st, st.Step, reply)
}

func (m *Machine) collectService(ctx context.Context, st *models.AppointmentState, in Input) (Result, error) {
	services, err := m.catalog.Services(ctx)
	if err != nil {
		return Result{}, err
	}
	svc := MatchService(services, in.Text)
	if svc == nil {
		return m.retry(st, serviceNotFoundMsg(services)), nil
	}
	branches, err := m.catalog.Branches(ctx)
	if err != nil {
		return Result{}, err
	}
	st.ServiceCode, st.ServiceName = svc.Code, svc.Name
	return m.advance(st, models.StepCollectingBranch, askBranchMsg(svc.Name, branches)), nil
}

func (m *Machine) collectBranch(ctx context.Context, st *models.AppointmentState, in Input) (Result, error) {
	branches, err := m.catalog.Branches(ctx)
	if err != nil {
		return Result{}, err
	}
	var b *models.Branch
	if n, ok := listNumber(in.Text, len(branches)); ok {
		b = &branches[n-1]
	} else {
		b = stock.MatchBranch(branches, in.Text)
	}
	if b == nil {
		return m.retry(st, branchNotFoundMsg(branches)), nil
	}
	st.BranchID, st.BranchName = b.ID, b.Name
	return m.advance(st, models.StepCollectingDateTime, askDateTimeMsg(b.Name)), nil
}

func (m *Machine) collectDateTime(st *models.AppointmentState, in Input) Result {
	now := m.now().In(m.loc)

	// Once the date is known a lone number is an hour, not a day.
	dateErr := ErrNoDate
	var d time.Time
	if st.Date == "" || !bareNumberRe.MatchString(textnorm.Fold(in.Text)) {
		d, dateErr = ParseDate(in.Text, now)
	}
	switch {
	case dateErr == nil:
		st.Date = d.Format("2006-01-02")
	case !errors.Is(dateErr, ErrNoDate):
		return m.keep(st, st.Step, dateProblemMsg(dateErr))
	}

	day := referenceDay(now)
	if st.Date != "" {
		day, _ = time.ParseInLocation("2006-01-02", st.Date, m.loc)
	}
	clock, timeErr := ParseTime(in.Text, day, st.Date != "" && dateErr != nil)
	switch {
	case timeErr == nil:
		st.Time = clock
	case errors.Is(timeErr, ErrOutsideHours):
		return m.keep(st, st.Step, dateProblemMsg(timeErr))
	}

	if dateErr != nil && timeErr != nil {
		return m.retry(st, dateProblemMsg(ErrNoDate))
	}

	switch {
	case st.Date == "":
		return m.keep(st, st.Step, askDateMsg(st.Time))
	case st.Time == "":
		return m.keep(st, st.Step, askTimeMsg(st.Date))
	}

	// A time given before the date was checked against weekday hours only.
	if _, err := ParseTime(st.Time, day, false); err != nil {
		st.Time = ""
		return m.keep(st, st.Step, dateProblemMsg(ErrOutsideHours))
	}
	if at, _ := m.scheduledAt(st); !at.After(now) {
		st.Time = ""
		return m.keep(st, st.Step, dateProblemMsg(ErrTimeAlreadyGone))
	}
	return m.advance(st, models.StepCollectingContact, askContactMsg(in.ContactName))
}

// referenceDay is a weekday used to validate a time before the date is known.
func referenceDay(now time.Time) time.Time {
	for now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		now = now.AddDate(0, 0, 1)
	}
	return now
}

func (m *Machine) collectContact(st *models.AppointmentState, in Input) Result {
	text := strings.TrimSpace(in.Text)
	if p := phoneRe.FindString(text); p != "" {
		digits := strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, p)
		st.CustomerPhone = "+" + digits
		text = strings.TrimSpace(strings.Replace(text, p, "", 1))
	}

	name := text
	if in.ContactName != "" && IsConfirm(text) {
		name = in.ContactName
	}
	if letterCount(name) < 3 {
		return m.retry(st, nameTooShortMsg())
	}
	st.CustomerName = name
	if st.CustomerPhone == "" {
		st.CustomerPhone = in.Phone
	}
	return m.advance(st, models.StepConfirming, summaryMsg(st))
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func (m *Machine) confirm(ctx context.Context, st *models.AppointmentState, in Input) Result {
	switch {
	case IsConfirm(in.Text):
	case IsDeny(in.Text):
		st.Date, st.Time = "", ""
		return m.advance(st, models.StepCollectingDateTime, changeDateTimeMsg())
	default:
		return m.keep(st, st.Step, confirmHintMsg())
	}

	at, err := m.scheduledAt(st)
	if err != nil {
		return m.keep(st, st.Step, writeFailedMsg())
	}
	appt := &models.Appointment{
		ConversationID: in.ConversationID,
		Phone:          st.CustomerPhone,
		CustomerName:   st.CustomerName,
		BranchID:       st.BranchID,
		ServiceCode:    st.ServiceCode,
		ScheduledAt:    at.UTC(),
		Status:         StatusConfirmed,
		Source:         in.Source,
	}
	if appt.Source == "" {
		appt.Source = SourceWhatsApp
	}
	if err := m.store.Create(ctx, appt); err != nil {
		m.log.Error().Err(err).Uint("conversation", in.ConversationID).Msg("appointment write failed")
		return m.keep(st, st.Step, writeFailedMsg())
	}
	return m.end(models.StepConfirming, models.StepDone, successMsg(appt, st), appt)
}

func (m *Machine) scheduledAt(st *models.AppointmentState) (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", st.Date+" "+st.Time, m.loc)
}

// goBack regresses one step, clearing the slot of the step returned to.
func (m *Machine) goBack(ctx context.Context, st *models.AppointmentState) (Result, error) {
	from := st.Step
	back := func(to models.FlowStep, reply string) (Result, error) {
		st.Step = to
		st.Attempts = 0
		return m.keep(st, from, reply), nil
	}
	switch from {
	case models.StepCollectingBranch:
		services, err := m.catalog.Services(ctx)
		if err != nil {
			return Result{}, err
		}
		st.ServiceCode, st.ServiceName = "", ""
		return back(models.StepCollectingService, askServiceMsg(services))
	case models.StepCollectingDateTime:
		branches, err := m.catalog.Branches(ctx)
		if err != nil {
			return Result{}, err
		}
		st.BranchID, st.BranchName, st.Date, st.Time = 0, "", "", ""
		return back(models.StepCollectingBranch, askBranchMsg(st.ServiceName, branches))
	case models.StepCollectingContact:
		st.Date, st.Time = "", ""
		return back(models.StepCollectingDateTime, askDateTimeMsg(st.BranchName))
	case models.StepConfirming:
		st.CustomerName = ""
		return back(models.StepCollectingContact, askContactMsg(""))
	}
	return m.end(from, models.StepCancelled, cancelledMsg(), nil), nil
}

// MatchService picks the service a free-text answer names: a list number,
// the service code or name, or a known phrasing. The longest phrase wins.
func MatchService(services []models.AppointmentService, text string) *models.AppointmentService {
	if n, ok := listNumber(text, len(services)); ok {
		return &services[n-1]
	}
	var best *models.AppointmentService
	bestLen := 0
	for i := range services {
		candidates := append([]string{services[i].Name, strings.ReplaceAll(services[i].Code, "-", " ")}, serviceKeywords[services[i].Code]...)
		for _, c := range candidates {
			if textnorm.ContainsPhrase(text, c) && len(c) > bestLen {
				best, bestLen = &services[i], len(c)
			}
		}
	}
	return best
}

// listNumber reads a bare list selection such as "2" or "2.".
func listNumber(text string, n int) (int, bool) {
	s := strings.TrimRight(strings.TrimSpace(text), ".)")
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 || v > n {
		return 0, false
	}
	return v, true
}
