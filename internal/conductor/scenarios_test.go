package conductor

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/notify"
)

var _ = Describe("Node lifecycle", func() {
	var (
		ctx context.Context
		e   *env
		c1  *Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		e, err = newEnv()
		Expect(err).NotTo(HaveOccurred())
		c1, err = e.conductor("c1", 8)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(c1.Wait)
	})

	nodeState := func(id string) func() v1alpha1.ProvisionState {
		return func() v1alpha1.ProvisionState {
			n, err := e.get(id)
			Expect(err).NotTo(HaveOccurred())
			return n.ProvisionState
		}
	}

	Context("when providing a node with no clean steps enabled", func() {
		It("moves straight to available and drops the reservation", func() {
			n, err := e.node(v1alpha1.StateManageable, "")
			Expect(err).NotTo(HaveOccurred())

			Expect(c1.SetProvisionState(ctx, n.UUID, v1alpha1.ProvisionRequest{Target: v1alpha1.VerbProvide})).To(Succeed())
			c1.Wait()

			got, err := e.get(n.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ProvisionState).To(Equal(v1alpha1.StateAvailable))
			Expect(got.Reservation).To(BeEmpty())
			Expect(got.DriverInternalInfo.Steps).To(BeEmpty())
		})
	})

	Context("when deploying with a synchronous and an asynchronous step", func() {
		var n *v1alpha1.Node

		BeforeEach(func() {
			d := e.fakes.Deploy
			d.SetSteps(
				d.SyncStep(v1alpha1.StepKindDeploy, "prepare_image", 90),
				d.AsyncStep(v1alpha1.StepKindDeploy, "write_image", 80, false),
			)
			var err error
			n, err = e.node(v1alpha1.StateAvailable, "")
			Expect(err).NotTo(HaveOccurred())

			Expect(c1.SetProvisionState(ctx, n.UUID, v1alpha1.ProvisionRequest{Target: v1alpha1.VerbDeploy})).To(Succeed())
			c1.Wait()
			Expect(nodeState(n.UUID)()).To(Equal(v1alpha1.StateDeployWait))
		})

		It("reaches active after the agent reports success", func() {
			waiting, err := e.get(n.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(waiting.Reservation).To(Equal("c1"))

			Expect(c1.Heartbeat(ctx, n.UUID, v1alpha1.HeartbeatRequest{
				AgentToken:  token(waiting),
				CallbackURL: "http://10.0.0.7:9999",
				Status:      v1alpha1.HeartbeatSucceeded,
			})).To(Succeed())
			c1.Wait()

			got, err := e.get(n.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ProvisionState).To(Equal(v1alpha1.StateActive))
			Expect(got.Reservation).To(BeEmpty())
			Expect(got.LastError).To(BeEmpty())
			Expect(e.fakes.Deploy.Calls()).To(ContainElements("step:prepare_image", "step:write_image"))
		})

		It("rejects a heartbeat carrying a stale token", func() {
			err := c1.Heartbeat(ctx, n.UUID, v1alpha1.HeartbeatRequest{AgentToken: "stale", Status: v1alpha1.HeartbeatSucceeded})
			Expect(err).To(MatchError(errdefs.ErrInvalidToken))
			c1.Wait()
			Expect(nodeState(n.UUID)()).To(Equal(v1alpha1.StateDeployWait))
		})

		It("fails the deploy when the agent never calls back", func() {
			e.clk.Step(9 * time.Minute)
			failed, err := c1.SweepTimeouts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(failed).To(BeZero())

			e.clk.Step(2 * time.Minute)
			failed, err = c1.SweepTimeouts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(failed).To(Equal(1))

			got, err := e.get(n.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ProvisionState).To(Equal(v1alpha1.StateDeployFailed))
			Expect(got.LastError).To(ContainSubstring("no heartbeat"))
			Expect(got.Reservation).To(BeEmpty())
			Expect(c1.Tasks().Tasks()).To(BeEmpty())
		})

		It("deletes the node while it waits on the agent", func() {
			waiting, err := e.get(n.UUID)
			Expect(err).NotTo(HaveOccurred())
			oldToken := token(waiting)

			Expect(c1.SetProvisionState(ctx, n.UUID, v1alpha1.ProvisionRequest{Target: v1alpha1.VerbDeleted})).To(Succeed())
			c1.Wait()

			got, err := e.get(n.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ProvisionState).To(Equal(v1alpha1.StateAvailable))
			Expect(got.Reservation).To(BeEmpty())
			Expect(got.DriverInternalInfo.Steps).To(BeEmpty())
			Expect(e.fakes.Boot.Finished.Calls()).To(ContainElement("deploy:failed"))
			Expect(c1.Tasks().Tasks()).To(BeEmpty())

			Expect(c1.Heartbeat(ctx, n.UUID, v1alpha1.HeartbeatRequest{
				AgentToken: oldToken,
				Status:     v1alpha1.HeartbeatSucceeded,
			})).To(Succeed())
			c1.Wait()
			Expect(nodeState(n.UUID)()).To(Equal(v1alpha1.StateAvailable))
		})

		It("defers an abort of a step that cannot be interrupted", func() {
			Expect(c1.SetProvisionState(ctx, n.UUID, v1alpha1.ProvisionRequest{Target: v1alpha1.VerbAbort})).To(Succeed())

			got, err := e.get(n.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ProvisionState).To(Equal(v1alpha1.StateDeployWait))
			Expect(got.DriverInternalInfo.AbortRequested).To(BeTrue())

			Expect(c1.Heartbeat(ctx, n.UUID, v1alpha1.HeartbeatRequest{
				AgentToken: token(got),
				Status:     v1alpha1.HeartbeatSucceeded,
			})).To(Succeed())
			c1.Wait()

			got, err = e.get(n.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ProvisionState).To(Equal(v1alpha1.StateDeployFailed))
			Expect(got.LastError).To(ContainSubstring("aborted"))
		})
	})

	Context("when the conductor holding a cleaning node disappears", func() {
		It("fails the node after one liveness sweep and blocks acquisition until then", func() {
			c2, err := e.conductor("c2", 8)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(c2.Wait)

			d := e.fakes.Deploy
			d.SetSteps(d.AsyncStep(v1alpha1.StepKindClean, "erase_devices", 10, true))

			n, err := e.nodeOwnedBy("c1", v1alpha1.StateManageable, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(c1.SetProvisionState(ctx, n.UUID, v1alpha1.ProvisionRequest{Target: v1alpha1.VerbProvide})).To(Succeed())
			c1.Wait()
			Expect(nodeState(n.UUID)()).To(Equal(v1alpha1.StateCleanWait))

			By("removing c1 from the ring without releasing anything")
			e.members.Leave("c1")

			_, err = c2.Tasks().TryAcquire(ctx, n.UUID, "provide")
			Expect(err).To(MatchError(errdefs.ErrBusy))

			released, err := c2.SweepLiveness(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(Equal(1))

			got, err := e.get(n.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ProvisionState).To(Equal(v1alpha1.StateCleanFailed))
			Expect(got.Reservation).To(BeEmpty())
			Expect(got.LastError).To(ContainSubstring("c1"))
			Expect(e.events.Types()).To(ContainElement(notify.EventForcedRelease))

			By("letting an operator recover the node on the new owner")
			Expect(c2.SetProvisionState(ctx, n.UUID, v1alpha1.ProvisionRequest{Target: v1alpha1.VerbManage})).To(Succeed())
			c2.Wait()
			Expect(nodeState(n.UUID)()).To(Equal(v1alpha1.StateManageable))
		})
	})

	Context("when a conductor restarts", func() {
		It("resumes waiting flows and fails interrupted ones", func() {
			d := e.fakes.Deploy
			d.SetSteps(d.AsyncStep(v1alpha1.StepKindDeploy, "write_image", 80, false))

			waiting, err := e.node(v1alpha1.StateAvailable, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(c1.SetProvisionState(ctx, waiting.UUID, v1alpha1.ProvisionRequest{Target: v1alpha1.VerbDeploy})).To(Succeed())
			c1.Wait()

			running, err := e.node(v1alpha1.StateDeploying, "c1")
			Expect(err).NotTo(HaveOccurred())

			By("starting a fresh conductor under the same name")
			restarted, err := New(Options{
				Name:       "c1",
				Store:      e.store,
				Membership: e.members,
				Drivers:    e.drivers,
				Workers:    8,
				Timeouts:   testTimeouts(),
				Clock:      e.clk,
				Observer:   e.events,
			})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(restarted.Wait)
			resumed, failed, err := restarted.Tasks().Recover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resumed).To(Equal(1))
			Expect(failed).To(Equal(1))
			Expect(nodeState(running.UUID)()).To(Equal(v1alpha1.StateDeployFailed))

			parked, err := e.get(waiting.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(restarted.Heartbeat(ctx, waiting.UUID, v1alpha1.HeartbeatRequest{
				AgentToken: token(parked),
				Status:     v1alpha1.HeartbeatSucceeded,
			})).To(Succeed())
			restarted.Wait()
			Expect(nodeState(waiting.UUID)()).To(Equal(v1alpha1.StateActive))
		})
	})
})
