package session_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/JingHuan921/secondhalf-coding/internal/control"
	"github.com/JingHuan921/secondhalf-coding/internal/event"
	"github.com/JingHuan921/secondhalf-coding/internal/reconnect"
	"github.com/JingHuan921/secondhalf-coding/internal/session"
	"github.com/JingHuan921/secondhalf-coding/internal/transport"
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

func stopped(st types.SessionState) bool {
	return st.Phase.Paused() || st.Phase.Terminal()
}

var _ = Describe("Orchestrator against the dev server", func() {
	var (
		orch *session.Orchestrator
		ctx  context.Context
		stop context.CancelFunc

		mu         sync.Mutex
		snapshots  []types.SessionState
		reconnects []event.ReconnectData
	)

	waitStopped := func() types.SessionState {
		st, err := orch.Wait(ctx, stopped)
		Expect(err).NotTo(HaveOccurred())
		return st
	}

	BeforeEach(func() {
		ctx, stop = context.WithTimeout(context.Background(), 10*time.Second)

		tr, err := transport.New(transportKind, transport.Options{BaseURL: backendHTTP.URL})
		Expect(err).NotTo(HaveOccurred())

		orch = session.New(session.Config{
			Control:   control.New(backendHTTP.URL, control.WithTracer(noop.NewTracerProvider().Tracer("e2e"))),
			Transport: tr,
			Policy:    reconnect.Policy{BaseDelay: 20 * time.Millisecond, MaxAttempts: 3},
		})

		mu.Lock()
		snapshots, reconnects = nil, nil
		mu.Unlock()
		orch.SubscribeEvents(func(e event.Event) {
			mu.Lock()
			defer mu.Unlock()
			switch data := e.Data.(type) {
			case types.SessionState:
				snapshots = append(snapshots, data)
			case event.ReconnectData:
				reconnects = append(reconnects, data)
			}
		})
	})

	AfterEach(func() {
		orch.Close()
		stop()
	})

	Describe("login form request", func() {
		It("pauses for routing with the classification artifact", func() {
			Expect(orch.Start(ctx, "login form")).To(Succeed())
			st := waitStopped()

			Expect(st.Phase).To(Equal(types.PhasePausedForRouting))
			Expect(st.RunID).NotTo(BeEmpty())
			Expect(st.Transcript).To(HaveLen(2))
			Expect(st.Transcript[0].Role).To(Equal(types.RoleUser))
			Expect(st.Transcript[1].SourceAgent).To(Equal("Analyst"))
			Expect(st.Artifacts).To(HaveLen(1))
			Expect(st.Artifacts[0].ID).To(Equal("req-1"))
			Expect(st.Artifacts[0].Version).To(Equal("1"))
			Expect(st.Interrupt).NotTo(BeNil())
			Expect(st.Interrupt.Choices).To(Equal(types.DefaultRoutingChoices))
			Expect(st.Validate()).To(Succeed())

			Eventually(func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(snapshots) > 0 && snapshots[len(snapshots)-1].Phase == types.PhasePausedForRouting
			}).Should(BeTrue())
		})
	})

	Describe("interrupt and resume", func() {
		It("carries history across decisions until the run completes", func() {
			Expect(orch.Start(ctx, "login form")).To(Succeed())
			Expect(waitStopped().Phase).To(Equal(types.PhasePausedForRouting))

			Expect(orch.Resume(ctx, types.ChooseRoute("write_req_specs"))).To(Succeed())
			st := waitStopped()
			Expect(st.Phase).To(Equal(types.PhasePausedForArtifactFeedback))
			Expect(st.PendingArtifactID).To(Equal("srs"))
			Expect(st.Artifacts).To(HaveLen(2))

			Expect(orch.Resume(ctx, types.ReviseArtifact("", "add MFA"))).To(Succeed())
			st = waitStopped()
			Expect(st.Phase).To(Equal(types.PhasePausedForArtifactFeedback))
			Expect(st.ArtifactVersions("srs")).To(HaveLen(2))

			Expect(orch.Resume(ctx, types.AcceptArtifact(""))).To(Succeed())
			Expect(waitStopped().Phase).To(Equal(types.PhasePausedForRouting))

			Expect(orch.Resume(ctx, types.ChooseRoute(types.RouteNoFurther))).To(Succeed())
			st = waitStopped()
			Expect(st.Phase).To(Equal(types.PhaseComplete))
			Expect(st.Transcript[0].Text).To(Equal("login form"))
			Expect(st.Artifacts).To(HaveLen(3))
		})

		It("rejects a decision that does not match the pause", func() {
			Expect(orch.Start(ctx, "login form")).To(Succeed())
			Expect(waitStopped().Phase).To(Equal(types.PhasePausedForRouting))

			err := orch.Resume(ctx, types.ApproveFeedback())
			Expect(session.IsInvalidTransition(err)).To(BeTrue())

			st := orch.State()
			Expect(st.Phase).To(Equal(types.PhasePausedForRouting))
			Expect(st.ErrorKind).To(Equal(types.ErrorKindInvalidTransition))
		})
	})

	Describe("transport drop", func() {
		It("reconnects and keeps both artifacts", func() {
			Expect(orch.Start(ctx, "login form")).To(Succeed())
			Expect(waitStopped().Phase).To(Equal(types.PhasePausedForRouting))

			Expect(orch.Resume(ctx, types.ChooseRoute("write_system_requirement"))).To(Succeed())
			st := waitStopped()

			Expect(st.Phase).To(Equal(types.PhasePausedForRouting))
			ids := make([]string, 0, len(st.Artifacts))
			for _, a := range st.Artifacts {
				ids = append(ids, a.ID)
			}
			Expect(ids).To(Equal([]string{"req-1", "sys-1", "sys-2"}))

			Eventually(func() []event.ReconnectData {
				mu.Lock()
				defer mu.Unlock()
				return append([]event.ReconnectData(nil), reconnects...)
			}).Should(ConsistOf(HaveField("Attempt", 1)))

			mu.Lock()
			defer mu.Unlock()
			Expect(reconnects[0].RunID).To(Equal(st.RunID))
		})
	})
})
