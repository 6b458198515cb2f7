package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"forgeflow.dev/sessiond/common/id"
	"forgeflow.dev/sessiond/internal/model"
)

// recordingReporter captures session outcomes in arrival order so specs can
// assert on both the events and their sequence.
type recordingReporter struct {
	mu        sync.Mutex
	log       []string
	questions []string
	failures  []string
}

func (r *recordingReporter) Started(int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, "started")
}

func (r *recordingReporter) AwaitingInput(_ int64, question string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, "awaiting_input")
	r.questions = append(r.questions, question)
}

func (r *recordingReporter) Completed(int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, "completed")
}

func (r *recordingReporter) Failed(_ int64, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, "failed")
	r.failures = append(r.failures, reason)
}

func (r *recordingReporter) eventLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *recordingReporter) lastQuestion() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.questions) == 0 {
		return ""
	}
	return r.questions[len(r.questions)-1]
}

func (r *recordingReporter) lastFailure() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) == 0 {
		return ""
	}
	return r.failures[len(r.failures)-1]
}

// gatedReporter holds every Started callback until the gate is closed. It
// lets specs prove that Dispatch returns without waiting on the reporter.
type gatedReporter struct {
	recordingReporter
	gate chan struct{}
}

func (r *gatedReporter) Started(ticketID int64) {
	<-r.gate
	r.recordingReporter.Started(ticketID)
}

type failingProvisioner struct{}

func (failingProvisioner) Provision(context.Context, model.SessionKey) (string, error) {
	return "", errors.New("no workspace volume")
}

var _ = ginkgo.Describe("CommandGateway", func() {
	var (
		ctx     context.Context
		base    string
		rep     *recordingReporter
		testLog *slog.Logger
	)

	key := model.SessionKey{Repo: "acme/api", Issue: "7"}

	writeScript := func(body string) string {
		path := filepath.Join(ginkgo.GinkgoT().TempDir(), "session.sh")
		script := "#!/bin/sh\n" + body + "\n"
		Expect(os.WriteFile(path, []byte(script), 0o755)).To(Succeed())
		return path
	}

	newGateway := func(command string, reporter Reporter) *CommandGateway {
		return NewCommandGateway(command, DirProvisioner{BaseDir: base}, reporter, testLog)
	}

	request := func() DispatchRequest {
		return DispatchRequest{
			TicketID: 7001,
			Key:      key,
			Metadata: model.Metadata{EventKind: model.EventKindCommentCreated, Body: "go"},
			Attempt:  2,
		}
	}

	ginkgo.BeforeEach(func() {
		Expect(id.Init(1)).To(Succeed())
		ctx = context.Background()
		base = ginkgo.GinkgoT().TempDir()
		rep = &recordingReporter{}
		testLog = slog.New(slog.NewTextHandler(io.Discard, nil))
	})

	ginkgo.It("reports Started then Completed for a clean exit", func() {
		script := writeScript(`printf '%s %s %s' "$SESSION_REPO" "$SESSION_ISSUE" "$SESSION_ATTEMPT" > session-env.txt`)
		g := newGateway(script, rep)

		h, err := g.Dispatch(ctx, request())
		Expect(err).NotTo(HaveOccurred())
		Expect(h.ID()).NotTo(BeEmpty())

		Eventually(rep.eventLog).Should(Equal([]string{"started", "completed"}))

		env, err := os.ReadFile(filepath.Join(base, "acme-api", "7", "session-env.txt"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(env)).To(Equal("acme/api 7 2"))
	})

	ginkgo.It("reports Failed with the exit error for a non-zero exit", func() {
		g := newGateway(writeScript("exit 3"), rep)

		_, err := g.Dispatch(ctx, request())
		Expect(err).NotTo(HaveOccurred())

		Eventually(rep.eventLog).Should(Equal([]string{"started", "failed"}))
		Expect(rep.lastFailure()).To(ContainSubstring("exit status 3"))
	})

	ginkgo.It("surfaces the awaiting-input marker and resumes through stdin", func() {
		script := writeScript(`echo "::awaiting-input:: which database?"
read reply
[ "$reply" = "postgres" ] || exit 1`)
		g := newGateway(script, rep)

		h, err := g.Dispatch(ctx, request())
		Expect(err).NotTo(HaveOccurred())

		Eventually(rep.eventLog).Should(ContainElement("awaiting_input"))
		Expect(rep.lastQuestion()).To(Equal("which database?"))

		Expect(h.Resume("postgres")).To(Succeed())
		Eventually(rep.eventLog).Should(Equal([]string{"started", "awaiting_input", "completed"}))
	})

	ginkgo.It("reports no outcome for a cancelled session", func() {
		g := newGateway(writeScript("sleep 30"), rep)

		h, err := g.Dispatch(ctx, request())
		Expect(err).NotTo(HaveOccurred())
		Eventually(rep.eventLog).Should(Equal([]string{"started"}))

		h.Cancel()

		Eventually(func() int {
			g.mu.Lock()
			defer g.mu.Unlock()
			return len(g.handles)
		}).Should(BeZero())
		Consistently(rep.eventLog, 200*time.Millisecond).Should(Equal([]string{"started"}))
	})

	ginkgo.It("returns from Dispatch without waiting on the Started callback", func() {
		gated := &gatedReporter{gate: make(chan struct{})}
		g := newGateway(writeScript("exit 0"), gated)

		h, err := g.Dispatch(ctx, request())
		Expect(err).NotTo(HaveOccurred())
		Expect(h).NotTo(BeNil())
		Expect(gated.eventLog()).To(BeEmpty())

		close(gated.gate)
		Eventually(gated.eventLog).Should(Equal([]string{"started", "completed"}))
	})

	ginkgo.It("refuses to dispatch without a configured command", func() {
		g := newGateway("", rep)

		_, err := g.Dispatch(ctx, request())
		Expect(err).To(MatchError(ContainSubstring("no executor command configured")))
		Consistently(rep.eventLog, 100*time.Millisecond).Should(BeEmpty())
	})

	ginkgo.It("fails dispatch when provisioning fails", func() {
		g := NewCommandGateway(writeScript("exit 0"), failingProvisioner{}, rep, testLog)

		_, err := g.Dispatch(ctx, request())
		Expect(err).To(MatchError(ContainSubstring("provisioning session environment")))
	})

	ginkgo.It("never reattaches a handle", func() {
		g := newGateway(writeScript("exit 0"), rep)

		_, err := g.Reattach("exec-gone")
		Expect(errors.Is(err, ErrNoReattach)).To(BeTrue())
	})
})
