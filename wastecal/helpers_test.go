package wastecal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s := NewStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// icsEvent renders one VEVENT. Empty fields are left out.
type icsEvent struct {
	uid         string
	dtstart     string
	summary     string
	location    string
	description string
}

func buildCalendar(events ...icsEvent) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//dumpdate//DE\r\n")
	for _, ev := range events {
		b.WriteString("BEGIN:VEVENT\r\n")
		if ev.uid != "" {
			b.WriteString("UID:" + ev.uid + "\r\n")
		}
		if ev.dtstart != "" {
			b.WriteString("DTSTART;VALUE=DATE:" + ev.dtstart + "\r\n")
		}
		if ev.summary != "" {
			b.WriteString("SUMMARY:" + ev.summary + "\r\n")
		}
		if ev.location != "" {
			b.WriteString("LOCATION:" + ev.location + "\r\n")
		}
		if ev.description != "" {
			b.WriteString("DESCRIPTION:" + ev.description + "\r\n")
		}
		b.WriteString("END:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

type fetchCall struct {
	addressKey int64
	start      time.Time
	end        time.Time
}

// mockFetcher serves canned documents per address key.
type mockFetcher struct {
	mu    sync.Mutex
	docs  map[int64]string
	errs  map[int64]error
	calls []fetchCall
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{docs: map[int64]string{}, errs: map[int64]error{}}
}

func (m *mockFetcher) Set(addressKey int64, doc string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[addressKey] = doc
}

func (m *mockFetcher) Fail(addressKey int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[addressKey] = err
}

func (m *mockFetcher) Fetch(_ context.Context, addressKey int64, start time.Time, end time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fetchCall{addressKey: addressKey, start: start, end: end})
	if err, ok := m.errs[addressKey]; ok {
		return "", err
	}
	doc, ok := m.docs[addressKey]
	if !ok {
		return "", &DownloadError{AddressKey: addressKey, StatusCode: 404, Err: errors.New("not found")}
	}
	return doc, nil
}

func (m *mockFetcher) Calls() []fetchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]fetchCall, len(m.calls))
	copy(out, m.calls)
	return out
}

type mockSend struct {
	chatID int64
	text   string
}

type mockTransport struct {
	mu       sync.Mutex
	calls    []mockSend
	failN    int
	failChat map[int64]bool
	panicOn  map[int64]bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{failChat: map[int64]bool{}, panicOn: map[int64]bool{}}
}

func (m *mockTransport) Send(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	m.calls = append(m.calls, mockSend{chatID: chatID, text: text})
	shouldPanic := m.panicOn[chatID]
	fail := m.failChat[chatID]
	if m.failN > 0 {
		m.failN--
		fail = true
	}
	m.mu.Unlock()

	if shouldPanic {
		panic(fmt.Sprintf("boom for chat %d", chatID))
	}
	if fail {
		return errors.New("mock transport failure")
	}
	return nil
}

func (m *mockTransport) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
}

func (m *mockTransport) FailChat(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failChat[chatID] = true
}

func (m *mockTransport) PanicOn(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicOn[chatID] = true
}

func (m *mockTransport) Calls() []mockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockSend, len(m.calls))
	copy(out, m.calls)
	return out
}

// noHolidays keeps refresh tests independent of the German calendar.
type noHolidays struct{}

func (noHolidays) IsHoliday(time.Time) bool { return false }

func berlin(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}
