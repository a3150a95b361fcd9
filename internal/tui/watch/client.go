package watch

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/ticketd/internal/events"
	"github.com/mattjoyce/ticketd/internal/inspect"
)

// Source loads a fresh status report. The watch command backs it with the
// state store and the PID lock.
type Source func(ctx context.Context) (inspect.Report, error)

type (
	eventMsg  events.Event
	reportMsg struct {
		report inspect.Report
		err    error
	}
	tickMsg            time.Time
	sseDisconnectedMsg struct{ err error }
	reconnectMsg       struct{}
)

func loadReport(src Source, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		r, err := src(ctx)
		return reportMsg{report: r, err: err}
	}
}

// subscribeToEvents holds a GET /events stream open and forwards every frame
// to ch. It returns sseDisconnectedMsg once the stream ends for any reason.
func subscribeToEvents(apiURL, apiKey string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		err := streamEvents(apiURL, apiKey, ch)
		return sseDisconnectedMsg{err: err}
	}
}

func streamEvents(apiURL, apiKey string, ch chan<- events.Event) error {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(apiURL, "/")+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events stream: %s", resp.Status)
	}

	readSSE(bufio.NewScanner(resp.Body), ch)
	return nil
}

// readSSE decodes frames until the scanner runs dry. Comment lines and
// frames without data are dropped.
func readSSE(scanner *bufio.Scanner, ch chan<- events.Event) {
	var frame events.Event
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 {
				frame.At = time.Now()
				frame.Data = []byte(data.String())
				ch <- frame
			}
			frame = events.Event{}
			data.Reset()
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			frame.ID, _ = strconv.ParseInt(value, 10, 64)
		case "event":
			frame.Type = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}
