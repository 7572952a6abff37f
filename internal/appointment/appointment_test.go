package appointment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ndvalle/mostrador/internal/db"
	"github.com/ndvalle/mostrador/internal/models"
	"gorm.io/gorm"
)

// Monday 2 March 2026, 10:00.
var fixedNow = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

type failingStore struct{}

func (failingStore) Create(context.Context, *models.Appointment) error {
	return errors.New("database is down")
}

func newTestMachine(t *testing.T, store Store) (*Machine, *gorm.DB) {
	t.Helper()
	gdb, err := db.OpenDemo()
	if err != nil {
		t.Fatalf("OpenDemo: %v", err)
	}
	gs := NewGormStore(gdb)
	if store == nil {
		store = gs
	}
	m, err := NewMachine(MachineOpts{
		Catalog: gs,
		Store:   store,
		Now:     func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m, gdb
}

func input(text string) Input {
	return Input{ConversationID: 7, Phone: "+5493815550000", ContactName: "Juan Pérez", Text: text}
}

// walk starts a flow and feeds it messages, failing on the first error.
func walk(t *testing.T, m *Machine, texts ...string) Result {
	t.Helper()
	res, err := m.Start(context.Background(), input("quiero un turno"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, text := range texts {
		if res.Flow == nil {
			t.Fatalf("flow ended before %q", text)
		}
		res, err = m.Handle(context.Background(), res.Flow.Appointment, input(text))
		if err != nil {
			t.Fatalf("Handle(%q): %v", text, err)
		}
	}
	return res
}

func step(t *testing.T, res Result) models.FlowStep {
	t.Helper()
	if res.Flow == nil {
		return res.To
	}
	return res.Flow.Appointment.Step
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewMachine_RequiresDependencies(t *testing.T) {
	if _, err := NewMachine(MachineOpts{Store: failingStore{}}); err == nil {
		t.Error("expected error without catalog")
	}
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewMachine(MachineOpts{Catalog: NewGormStore(gdb)}); err == nil {
		t.Error("expected error without store")
	}
}

// ---------------------------------------------------------------------------
// Flow
// ---------------------------------------------------------------------------

func TestStart_AsksForService(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m)

	if got := step(t, res); got != models.StepCollectingService {
		t.Errorf("step = %q, want %q", got, models.StepCollectingService)
	}
	if res.Flow.Kind != models.FlowAppointment {
		t.Errorf("Kind = %q, want %q", res.Flow.Kind, models.FlowAppointment)
	}
	if !strings.Contains(res.Reply, "5. Cambio de aceite") {
		t.Errorf("reply does not list services:\n%s", res.Reply)
	}
	if res.Flow.Appointment.CustomerPhone != "+5493815550000" {
		t.Errorf("CustomerPhone = %q", res.Flow.Appointment.CustomerPhone)
	}
}

func TestHandle_ServiceByName(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m, "cambio de aceite")

	if got := step(t, res); got != models.StepCollectingBranch {
		t.Fatalf("step = %q, want %q", got, models.StepCollectingBranch)
	}
	if res.From != models.StepCollectingService || res.To != models.StepCollectingBranch {
		t.Errorf("transition = %q -> %q", res.From, res.To)
	}
	st := res.Flow.Appointment
	if st.ServiceCode != "oil-change" {
		t.Errorf("ServiceCode = %q, want %q", st.ServiceCode, "oil-change")
	}
	if !strings.Contains(res.Reply, "Tucumán Centro") {
		t.Errorf("reply does not list branches:\n%s", res.Reply)
	}
}

func TestHandle_FullBooking(t *testing.T) {
	m, gdb := newTestMachine(t, nil)
	res := walk(t, m, "cambio de aceite", "5", "mañana a las 10", "sí", "Sí")

	if !res.Ended() {
		t.Fatalf("flow still open at %q", step(t, res))
	}
	if res.To != models.StepDone {
		t.Errorf("To = %q, want %q", res.To, models.StepDone)
	}
	a := res.Appointment
	if a == nil {
		t.Fatal("no appointment returned")
	}
	want := time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)
	if !a.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", a.ScheduledAt, want)
	}
	if a.CustomerName != "Juan Pérez" {
		t.Errorf("CustomerName = %q", a.CustomerName)
	}
	if a.Source != SourceWhatsApp || a.Status != StatusConfirmed {
		t.Errorf("Source/Status = %q/%q", a.Source, a.Status)
	}
	if !strings.Contains(res.Reply, "#"+ShortID(a.ID)) {
		t.Errorf("reply missing booking number:\n%s", res.Reply)
	}

	var rows []models.Appointment
	if err := gdb.Preload("Branch").Find(&rows).Error; err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("appointments = %d, want 1", len(rows))
	}
	if rows[0].Branch.Code != "TUCUMAN" {
		t.Errorf("branch = %q, want TUCUMAN", rows[0].Branch.Code)
	}
	if rows[0].ServiceCode != "oil-change" {
		t.Errorf("service = %q", rows[0].ServiceCode)
	}
}

func TestHandle_DateThenTime(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m, "alineacion", "salta", "el jueves")

	st := res.Flow.Appointment
	if st.Step != models.StepCollectingDateTime {
		t.Fatalf("step = %q", st.Step)
	}
	if st.Date != "2026-03-05" || st.Time != "" {
		t.Errorf("Date/Time = %q/%q", st.Date, st.Time)
	}
	if st.BranchName != "Salta Capital" {
		t.Errorf("BranchName = %q", st.BranchName)
	}

	res, err := m.Handle(context.Background(), st, input("15"))
	if err != nil {
		t.Fatal(err)
	}
	st = res.Flow.Appointment
	if st.Step != models.StepCollectingContact {
		t.Fatalf("step = %q, want %q", st.Step, models.StepCollectingContact)
	}
	if st.Date != "2026-03-05" || st.Time != "15:00" {
		t.Errorf("Date/Time = %q/%q", st.Date, st.Time)
	}
}

func TestHandle_SaturdayHours(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m, "balanceo", "1", "a las 17", "el sábado")

	st := res.Flow.Appointment
	if st.Step != models.StepCollectingDateTime {
		t.Fatalf("step = %q", st.Step)
	}
	if st.Date != "2026-03-07" {
		t.Errorf("Date = %q, want 2026-03-07", st.Date)
	}
	if st.Time != "" {
		t.Errorf("Time = %q, want cleared", st.Time)
	}
	if res.Reply != dateProblemMsg(ErrOutsideHours) {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestHandle_TimeAlreadyGone(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m, "balanceo", "1", "hoy a las 9")

	st := res.Flow.Appointment
	if st.Step != models.StepCollectingDateTime {
		t.Fatalf("step = %q", st.Step)
	}
	if st.Time != "" {
		t.Errorf("Time = %q, want cleared", st.Time)
	}
	if res.Reply != dateProblemMsg(ErrTimeAlreadyGone) {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestHandle_SundayRejected(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m, "balanceo", "1", "el domingo a las 10")

	if res.Reply != dateProblemMsg(ErrSunday) {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.Flow.Appointment.Date != "" {
		t.Errorf("Date = %q, want empty", res.Flow.Appointment.Date)
	}
}

func TestHandle_ContactWithNewNameAndPhone(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m, "revision", "1", "mañana 11:30", "María Gómez 381 555 1234")

	st := res.Flow.Appointment
	if st.Step != models.StepConfirming {
		t.Fatalf("step = %q", st.Step)
	}
	if st.CustomerName != "María Gómez" {
		t.Errorf("CustomerName = %q", st.CustomerName)
	}
	if st.CustomerPhone != "+3815551234" {
		t.Errorf("CustomerPhone = %q", st.CustomerPhone)
	}
	if !strings.Contains(res.Reply, "¿Confirmamos?") {
		t.Errorf("reply is not a summary:\n%s", res.Reply)
	}
}

func TestHandle_NameTooShort(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m, "revision", "1", "mañana 11:30", "Jo")

	st := res.Flow.Appointment
	if st.Step != models.StepCollectingContact {
		t.Fatalf("step = %q", st.Step)
	}
	if st.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", st.Attempts)
	}
}

func TestHandle_DenyAtConfirmingReturnsToDateTime(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m, "balanceo", "1", "mañana a las 10", "si", "no")

	st := res.Flow.Appointment
	if st.Step != models.StepCollectingDateTime {
		t.Fatalf("step = %q, want %q", st.Step, models.StepCollectingDateTime)
	}
	if st.Date != "" || st.Time != "" {
		t.Errorf("Date/Time = %q/%q, want cleared", st.Date, st.Time)
	}
	if st.CustomerName != "Juan Pérez" {
		t.Errorf("CustomerName = %q, want kept", st.CustomerName)
	}
}

func TestHandle_UnclearAnswerAtConfirming(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m, "balanceo", "1", "mañana a las 10", "si", "mmm")

	if got := step(t, res); got != models.StepConfirming {
		t.Errorf("step = %q, want %q", got, models.StepConfirming)
	}
	if res.Reply != confirmHintMsg() {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestHandle_TooManyAttemptsCancels(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m, "asdf", "qwerty")
	if res.Flow.Appointment.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", res.Flow.Appointment.Attempts)
	}

	res, err := m.Handle(context.Background(), res.Flow.Appointment, input("zzz"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Ended() || res.To != models.StepCancelled {
		t.Fatalf("Ended = %v, To = %q", res.Ended(), res.To)
	}
	if res.Reply != tooManyAttemptsMsg() {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestHandle_AttemptsResetOnAdvance(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m, "asdf", "cambio de aceite")

	if res.Flow.Appointment.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", res.Flow.Appointment.Attempts)
	}
}

func TestHandle_Cancel(t *testing.T) {
	m, gdb := newTestMachine(t, nil)
	res := walk(t, m, "balanceo", "cancelar")

	if !res.Ended() || res.To != models.StepCancelled {
		t.Fatalf("Ended = %v, To = %q", res.Ended(), res.To)
	}
	if res.From != models.StepCollectingBranch {
		t.Errorf("From = %q", res.From)
	}
	var n int64
	gdb.Model(&models.Appointment{}).Count(&n)
	if n != 0 {
		t.Errorf("appointments = %d, want 0", n)
	}
}

func TestHandle_GoBack(t *testing.T) {
	tests := []struct {
		name   string
		texts  []string
		want   models.FlowStep
		verify func(t *testing.T, st *models.AppointmentState)
	}{
		{
			name:  "branch to service",
			texts: []string{"balanceo", "volver"},
			want:  models.StepCollectingService,
			verify: func(t *testing.T, st *models.AppointmentState) {
				if st.ServiceCode != "" {
					t.Errorf("ServiceCode = %q, want cleared", st.ServiceCode)
				}
			},
		},
		{
			name:  "date to branch",
			texts: []string{"balanceo", "1", "mañana", "atrás"},
			want:  models.StepCollectingBranch,
			verify: func(t *testing.T, st *models.AppointmentState) {
				if st.BranchID != 0 || st.Date != "" {
					t.Errorf("BranchID/Date = %d/%q, want cleared", st.BranchID, st.Date)
				}
				if st.ServiceCode != "balancing" {
					t.Errorf("ServiceCode = %q, want kept", st.ServiceCode)
				}
			},
		},
		{
			name:  "confirming to contact",
			texts: []string{"balanceo", "1", "mañana a las 10", "si", "volver"},
			want:  models.StepCollectingContact,
			verify: func(t *testing.T, st *models.AppointmentState) {
				if st.CustomerName != "" {
					t.Errorf("CustomerName = %q, want cleared", st.CustomerName)
				}
				if st.Time != "10:00" {
					t.Errorf("Time = %q, want kept", st.Time)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMachine(t, nil)
			res := walk(t, m, tt.texts...)
			if got := step(t, res); got != tt.want {
				t.Fatalf("step = %q, want %q", got, tt.want)
			}
			tt.verify(t, res.Flow.Appointment)
		})
	}
}

func TestHandle_GoBackFromServiceCancels(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m, "volver")
	if !res.Ended() || res.To != models.StepCancelled {
		t.Errorf("Ended = %v, To = %q", res.Ended(), res.To)
	}
}

func TestHandle_WriteFailureKeepsConfirming(t *testing.T) {
	m, _ := newTestMachine(t, failingStore{})
	res := walk(t, m, "balanceo", "1", "mañana a las 10", "si", "si")

	if res.Ended() {
		t.Fatal("flow ended after failed write")
	}
	if got := step(t, res); got != models.StepConfirming {
		t.Errorf("step = %q, want %q", got, models.StepConfirming)
	}
	if res.Reply != writeFailedMsg() {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.Appointment != nil {
		t.Error("appointment returned for failed write")
	}
}

func TestHandle_DoesNotMutateCallerState(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	res := walk(t, m)
	before := *res.Flow.Appointment

	if _, err := m.Handle(context.Background(), res.Flow.Appointment, input("cambio de aceite")); err != nil {
		t.Fatal(err)
	}
	if *res.Flow.Appointment != before {
		t.Errorf("caller state changed: %+v", *res.Flow.Appointment)
	}
}

func TestHandle_NilState(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	if _, err := m.Handle(context.Background(), nil, input("hola")); err == nil {
		t.Error("expected error for nil state")
	}
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

func TestMatchService(t *testing.T) {
	services := []models.AppointmentService{
		{Code: "tire-change", Name: "Cambio de neumáticos"},
		{Code: "alignment", Name: "Alineación"},
		{Code: "balancing", Name: "Balanceo"},
		{Code: "alignment-balancing", Name: "Alineación y balanceo"},
		{Code: "oil-change", Name: "Cambio de aceite"},
		{Code: "inspection", Name: "Revisión general"},
	}
	tests := []struct {
		text string
		want string
	}{
		{"2", "alignment"},
		{"4.", "alignment-balancing"},
		{"quiero cambiar las cubiertas", "tire-change"},
		{"alineación y balanceo por favor", "alignment-balancing"},
		{"solo balanceo", "balancing"},
		{"el aceite", "oil-change"},
		{"un chequeo", "inspection"},
		{"9", ""},
		{"pizza", ""},
	}
	for _, tt := range tests {
		got := MatchService(services, tt.text)
		code := ""
		if got != nil {
			code = got.Code
		}
		if code != tt.want {
			t.Errorf("MatchService(%q) = %q, want %q", tt.text, code, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Dates and times
// ---------------------------------------------------------------------------

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  error
	}{
		{"mañana", "2026-03-03", nil},
		{"pasado mañana", "2026-03-04", nil},
		{"hoy", "2026-03-02", nil},
		{"el viernes", "2026-03-06", nil},
		{"el lunes", "2026-03-09", nil},
		{"la semana que viene", "2026-03-09", nil},
		{"16/03", "2026-03-16", nil},
		{"20 de marzo", "2026-03-20", nil},
		{"el 10", "2026-03-10", nil},
		{"domingo", "", ErrSunday},
		{"15/03", "", ErrSunday},
		{"1/3/2026", "", ErrDatePast},
		{"1/3", "", ErrTooFar},
		{"10/04", "", ErrTooFar},
		{"31/02", "", ErrNoDate},
		{"hola", "", ErrNoDate},
	}
	for _, tt := range tests {
		got, err := ParseDate(tt.in, fixedNow)
		if !errors.Is(err, tt.err) {
			t.Errorf("ParseDate(%q) error = %v, want %v", tt.in, err, tt.err)
			continue
		}
		if tt.err == nil && got.Format("2006-01-02") != tt.want {
			t.Errorf("ParseDate(%q) = %s, want %s", tt.in, got.Format("2006-01-02"), tt.want)
		}
	}
}

func TestParseTime(t *testing.T) {
	monday := fixedNow
	saturday := time.Date(2026, time.March, 7, 0, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, time.March, 8, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		in        string
		day       time.Time
		allowBare bool
		want      string
		err       error
	}{
		{"a las 10", monday, false, "10:00", nil},
		{"10:30", monday, false, "10:30", nil},
		{"9.15", monday, false, "09:15", nil},
		{"16hs", monday, false, "16:00", nil},
		{"18", monday, true, "18:00", nil},
		{"10", monday, false, "", ErrNoTime},
		{"18:30", monday, false, "", ErrOutsideHours},
		{"20hs", monday, false, "", ErrOutsideHours},
		{"14hs", saturday, false, "", ErrOutsideHours},
		{"12:30", saturday, false, "12:30", nil},
		{"10:00", sunday, false, "", ErrOutsideHours},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in, tt.day, tt.allowBare)
		if !errors.Is(err, tt.err) {
			t.Errorf("ParseTime(%q) error = %v, want %v", tt.in, err, tt.err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTime(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDisplayDate(t *testing.T) {
	if got := DisplayDate("2026-03-04"); got != "Miércoles 04/03" {
		t.Errorf("DisplayDate = %q, want %q", got, "Miércoles 04/03")
	}
	if got := DisplayDate("garbage"); got != "garbage" {
		t.Errorf("DisplayDate(garbage) = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Intents
// ---------------------------------------------------------------------------

func TestIntents(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) bool
		in   string
		want bool
	}{
		{"booking", DetectIntent, "Quiero sacar un TURNO", true},
		{"booking reserva", DetectIntent, "puedo reservar para el lunes?", true},
		{"booking none", DetectIntent, "tenés 205/55R16?", false},
		{"booking plural", DetectIntent, "¿dan turnos los sábados?", true},
		{"booking agenda", DetectIntent, "me podés agendar?", true},
		{"booking reply to offer", DetectIntent, "sí, reservamelos", false},
		{"booking inside word", DetectIntent, "¿atienden en horario nocturno?", false},
		{"booking felicitaciones", DetectIntent, "felicitaciones por la atención", false},
		{"cancel", IsCancel, "Cancelar", true},
		{"cancel no quiero", IsCancel, "no quiero nada", true},
		{"cancel plain no", IsCancel, "no", false},
		{"back", IsGoBack, "Atrás", true},
		{"confirm", IsConfirm, "Sí, dale", true},
		{"confirm no", IsConfirm, "sino", false},
		{"deny", IsDeny, "no", true},
		{"deny no quiero", IsDeny, "no quiero", false},
	}
	for _, tt := range tests {
		if got := tt.fn(tt.in); got != tt.want {
			t.Errorf("%s: f(%q) = %v, want %v", tt.name, tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

func TestShortID(t *testing.T) {
	if got := ShortID("0f8fad5b-d9cb-469f-a165-70867728950e"); got != "0F8FAD5B" {
		t.Errorf("ShortID = %q, want %q", got, "0F8FAD5B")
	}
}

func TestGormStore_List(t *testing.T) {
	gdb, err := db.OpenDemo()
	if err != nil {
		t.Fatal(err)
	}
	s := NewGormStore(gdb)
	ctx := context.Background()
	branches, err := s.Branches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(branches) != 5 || branches[0].Code != "CATAMARCA" {
		t.Fatalf("branches = %d, first %q", len(branches), branches[0].Code)
	}

	for i, at := range []time.Time{fixedNow.Add(48 * time.Hour), fixedNow.Add(24 * time.Hour)} {
		a := &models.Appointment{Phone: "+549381", BranchID: branches[i].ID, ServiceCode: "balancing", ScheduledAt: at}
		if err := s.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if a.ID == "" || a.Status != StatusConfirmed {
			t.Errorf("ID/Status = %q/%q", a.ID, a.Status)
		}
	}

	all, err := s.List(ctx, ListFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || !all[0].ScheduledAt.Before(all[1].ScheduledAt) {
		t.Fatalf("List = %+v, want 2 ordered by time", all)
	}
	if all[0].Branch.Code == "" {
		t.Error("branch not preloaded")
	}

	only, err := s.List(ctx, ListFilters{BranchID: branches[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(only) != 1 {
		t.Errorf("List(branch) = %d, want 1", len(only))
	}
}
