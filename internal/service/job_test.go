package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sitescan/notifier/internal/config"
	"github.com/sitescan/notifier/internal/events"
	"github.com/sitescan/notifier/internal/registry"
	"github.com/sitescan/notifier/internal/scraper"
	"github.com/sitescan/notifier/internal/service"
	"github.com/sitescan/notifier/internal/service/mappers"
	"github.com/sitescan/notifier/internal/store"
	"github.com/sitescan/notifier/internal/store/model"
	"gorm.io/gorm"
)

const owner = "a@x.com"

var _ = Describe("job service", Ordered, func() {
	var (
		s        store.Store
		gormdb   *gorm.DB
		reg      *registry.Registry
		notifier *testNotifier
		executor *gatedExecutor
		svc      *service.JobService
	)

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration(context.TODO())).To(BeNil())
	})

	AfterAll(func() {
		s.Close()
	})

	BeforeEach(func() {
		reg = registry.New()
		notifier = newTestNotifier()
		executor = newGatedExecutor()
		svc = service.NewJobService(s, reg, notifier, scraper.NewRunner(executor, 10))
	})

	AfterEach(func() {
		svc.Wait()
		gormdb.Exec("DELETE FROM jobs;")
	})

	reportFor := func(handle string) []mappers.ReportGenerated {
		reports := []mappers.ReportGenerated{}
		for _, e := range notifier.Sent(service.EventReportGenerated) {
			if e.Handle == handle {
				reports = append(reports, e.Payload.(mappers.ReportGenerated))
			}
		}
		return reports
	}

	Context("submit", func() {
		It("runs the job and delivers the result to the submitter", func() {
			Expect(svc.Connect(context.TODO(), owner, "h1", nil)).To(Succeed())

			job, err := svc.Submit(context.TODO(), owner, "h1", "site1")
			Expect(err).To(BeNil())
			Expect(job.JobStatus).To(Equal(model.JobStatusScrapping))

			status := notifier.Sent(service.EventStatus)
			Expect(status).To(HaveLen(1))
			Expect(status[0].Handle).To(Equal("h1"))
			Expect(status[0].Payload.(mappers.Status).JobStatus).To(Equal("scrapping"))

			executor.Release(scraper.Result{Success: true, Data: json.RawMessage(`{"title":"site1"}`)})
			svc.Wait()

			got, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(got.JobStatus).To(Equal(model.JobStatusFinished))
			Expect(got.Success).To(BeTrue())
			Expect(string(got.Result)).To(MatchJSON(`{"title":"site1"}`))
			Expect(got.ResultCreatedAt).NotTo(BeNil())
			Expect(got.ExecutionDurationMs).NotTo(BeNil())

			reports := reportFor("h1")
			Expect(reports).To(HaveLen(1))
			Expect(reports[0].JobID).To(Equal(job.ID.String()))
			Expect(reports[0].Success).To(BeTrue())
			Expect(string(reports[0].Data)).To(MatchJSON(`{"title":"site1"}`))
			Expect(reports[0].DateString).NotTo(BeEmpty())
		})

		It("ends the job in error when the execution fails", func() {
			job, err := svc.Submit(context.TODO(), owner, "h1", "site1")
			Expect(err).To(BeNil())

			executor.Release(scraper.Result{Success: false, Reason: "host unreachable"})
			svc.Wait()

			got, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(got.JobStatus).To(Equal(model.JobStatusError))
			Expect(got.Success).To(BeFalse())
			Expect(got.FailureReason).To(Equal("host unreachable"))

			reports := reportFor("h1")
			Expect(reports).To(HaveLen(1))
			Expect(reports[0].Success).To(BeFalse())
			Expect(reports[0].Error).To(Equal("host unreachable"))
		})

		It("coalesces a second submission for the same target", func() {
			first, err := svc.Submit(context.TODO(), owner, "h1", "site1")
			Expect(err).To(BeNil())

			second, err := svc.Submit(context.TODO(), owner, "h2", "site1")
			Expect(err).To(BeNil())
			Expect(second.ID).To(Equal(first.ID))

			got, err := s.Job().Get(context.TODO(), first.ID)
			Expect(err).To(BeNil())
			Expect(got.ConnectionHandle).To(Equal("h2"))

			Eventually(executor.Started).Should(Equal(1))
			Consistently(executor.Started, "100ms").Should(Equal(1))

			executor.Release(scraper.Result{Success: true, Data: json.RawMessage(`{}`)})
			svc.Wait()

			Expect(reportFor("h1")).To(BeEmpty())
			Expect(reportFor("h2")).To(HaveLen(1))

			jobs, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().ByOwner(owner), nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
		})

		It("keeps targets of different owners apart", func() {
			a, err := svc.Submit(context.TODO(), owner, "h1", "site1")
			Expect(err).To(BeNil())
			b, err := svc.Submit(context.TODO(), "b@x.com", "h2", "site1")
			Expect(err).To(BeNil())
			Expect(a.ID).NotTo(Equal(b.ID))

			executor.Release(scraper.Result{Success: true})
			executor.Release(scraper.Result{Success: true})
			svc.Wait()

			Expect(reportFor("h1")).To(HaveLen(1))
			Expect(reportFor("h2")).To(HaveLen(1))
		})
	})

	Context("disconnect and reconnect", func() {
		It("keeps the result of a job finished while disconnected and delivers it on reconnect", func() {
			Expect(svc.Connect(context.TODO(), owner, "h1", []string{"site1"})).To(Succeed())
			job, err := svc.Submit(context.TODO(), owner, "h1", "site1")
			Expect(err).To(BeNil())

			Expect(svc.Disconnect(context.TODO(), "h1")).To(Succeed())
			_, bound := reg.IdentityOf("h1")
			Expect(bound).To(BeFalse())

			executor.Release(scraper.Result{Success: true, Data: json.RawMessage(`{"title":"P"}`)})
			svc.Wait()

			got, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(got.JobStatus).To(Equal(model.JobStatusFinished))
			Expect(got.AppStatus).To(Equal(model.AppStatusDisconnected))
			Expect(got.ConnectionHandle).To(BeEmpty())
			Expect(string(got.Result)).To(MatchJSON(`{"title":"P"}`))
			Expect(notifier.Sent(service.EventReportGenerated)).To(BeEmpty())

			Expect(svc.Connect(context.TODO(), owner, "h2", []string{"site1"})).To(Succeed())

			reports := reportFor("h2")
			Expect(reports).To(HaveLen(1))
			Expect(reports[0].JobID).To(Equal(job.ID.String()))
			Expect(string(reports[0].Data)).To(MatchJSON(`{"title":"P"}`))

			got, err = s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(got.AppStatus).To(Equal(model.AppStatusConnected))
			Expect(got.ConnectionHandle).To(Equal("h2"))

			identity, bound := reg.IdentityOf("h2")
			Expect(bound).To(BeTrue())
			Expect(identity).To(Equal(owner))

			previous := notifier.Sent(service.EventPreviousJobs)
			Expect(previous).To(HaveLen(2))
			Expect(previous[1].Handle).To(Equal("h2"))
			Expect(previous[1].Payload.([]mappers.PreviousJob)).To(HaveLen(1))
		})

		It("delivers once when the client comes back before the job ends", func() {
			job, err := svc.Submit(context.TODO(), owner, "h1", "site1")
			Expect(err).To(BeNil())
			Expect(svc.Disconnect(context.TODO(), "h1")).To(Succeed())

			Expect(svc.Connect(context.TODO(), owner, "h2", nil)).To(Succeed())
			status := notifier.Sent(service.EventStatus)
			Expect(status[len(status)-1].Handle).To(Equal("h2"))
			Expect(status[len(status)-1].Payload.(mappers.Status).JobID).To(Equal(job.ID.String()))

			executor.Release(scraper.Result{Success: true})
			svc.Wait()

			// a second connect on the same handle has nothing new to deliver
			Expect(svc.Connect(context.TODO(), owner, "h2", nil)).To(Succeed())

			Expect(reportFor("h1")).To(BeEmpty())
			Expect(reportFor("h2")).To(HaveLen(1))
		})

		It("delivers once when the job ends before the client comes back", func() {
			_, err := svc.Submit(context.TODO(), owner, "h1", "site1")
			Expect(err).To(BeNil())
			Expect(svc.Disconnect(context.TODO(), "h1")).To(Succeed())

			executor.Release(scraper.Result{Success: true})
			svc.Wait()

			Expect(svc.Connect(context.TODO(), owner, "h2", nil)).To(Succeed())
			Expect(svc.Connect(context.TODO(), owner, "h2", nil)).To(Succeed())

			Expect(reportFor("h2")).To(HaveLen(1))
			Expect(notifier.Sent(service.EventReportGenerated)).To(HaveLen(1))
		})

		It("moves every unfinished job to the new connection", func() {
			for i := 0; i < 20; i++ {
				status := model.JobStatusFinished
				if i%2 == 0 {
					status = model.JobStatusScrapping
				}
				_, err := s.Job().Create(context.TODO(), model.Job{
					Owner:     owner,
					Target:    fmt.Sprintf("site-%d", i),
					JobStatus: status,
					AppStatus: model.AppStatusDisconnected,
				})
				Expect(err).To(BeNil())
			}

			svc = service.NewJobService(s, reg, notifier, scraper.NewRunner(executor, 10), service.WithFanOutLimit(2))
			Expect(svc.Connect(context.TODO(), owner, "h9", nil)).To(Succeed())

			jobs, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().ByOwner(owner).ByConnectionHandle("h9"), nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(20))
			Expect(notifier.Sent(service.EventStatus)).To(HaveLen(10))
			Expect(notifier.Sent(service.EventReportGenerated)).To(HaveLen(10))
		})

		It("leaves the handle registered when the store fails", func() {
			reg.Bind(owner, "h1")
			broken := service.NewJobService(failingStore{s}, reg, notifier, scraper.NewRunner(executor, 10))

			err := broken.Disconnect(context.TODO(), "h1")
			Expect(err).NotTo(BeNil())
			var storeErr *service.ErrStore
			Expect(errors.As(err, &storeErr)).To(BeTrue())

			_, bound := reg.IdentityOf("h1")
			Expect(bound).To(BeTrue())

			broken.Release("h1")
			_, bound = reg.IdentityOf("h1")
			Expect(bound).To(BeFalse())
		})

		It("does not register a connection it could not reconcile", func() {
			broken := service.NewJobService(failingStore{s}, reg, notifier, scraper.NewRunner(executor, 10))

			err := broken.Connect(context.TODO(), owner, "h1", []string{"site1"})
			var storeErr *service.ErrStore
			Expect(errors.As(err, &storeErr)).To(BeTrue())
			Expect(reg.Len()).To(Equal(0))
		})
		It("tracks every connection of a user until it is detached", func() {
			Expect(svc.Connect(context.TODO(), owner, "h1", nil)).To(Succeed())
			Expect(svc.Connect(context.TODO(), owner, "h2", nil)).To(Succeed())
			Expect(reg.ActiveHandlesFor(owner)).To(ConsistOf("h1", "h2"))

			Expect(svc.Disconnect(context.TODO(), "h1")).To(Succeed())
			Expect(reg.ActiveHandlesFor(owner)).To(ConsistOf("h2"))
		})

		It("sends an empty catch-up snapshot when no target is subscribed", func() {
			Expect(svc.Connect(context.TODO(), owner, "h1", nil)).To(Succeed())

			previous := notifier.Sent(service.EventPreviousJobs)
			Expect(previous).To(HaveLen(1))
			Expect(previous[0].Handle).To(Equal("h1"))
			Expect(previous[0].Payload.([]mappers.PreviousJob)).To(BeEmpty())
		})
	})

	Context("completion racing a reconnect", func() {
		// race finishes a detached job while its owner connects again on a
		// new handle.
		race := func(i int) (uuid.UUID, string) {
			identity := fmt.Sprintf("u%d@x.com", i)
			job, err := svc.Submit(context.TODO(), identity, fmt.Sprintf("old-%d", i), "site1")
			Expect(err).To(BeNil())
			Expect(svc.Disconnect(context.TODO(), fmt.Sprintf("old-%d", i))).To(Succeed())

			handle := fmt.Sprintf("new-%d", i)
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				executor.Release(scraper.Result{Success: true})
			}()
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(svc.Connect(context.TODO(), identity, handle, nil)).To(Succeed())
			}()
			wg.Wait()
			svc.Wait()

			return job.ID, handle
		}

		It("delivers every result exactly once", func() {
			for i := 0; i < 50; i++ {
				id, handle := race(i)

				delivered := 0
				for _, e := range notifier.Sent(service.EventReportGenerated) {
					if e.Payload.(mappers.ReportGenerated).JobID == id.String() {
						Expect(e.Handle).To(Equal(handle))
						delivered++
					}
				}
				Expect(delivered).To(Equal(1), "job %d", i)
			}
		})

		It("never sends a running status after the result", func() {
			for i := 0; i < 50; i++ {
				id, handle := race(i)

				reported := false
				for _, e := range notifier.All() {
					if e.Handle != handle {
						continue
					}
					switch p := e.Payload.(type) {
					case mappers.ReportGenerated:
						if p.JobID == id.String() {
							reported = true
						}
					case mappers.Status:
						if p.JobID == id.String() {
							Expect(reported).To(BeFalse(), "job %d got a status after its result", i)
						}
					}
				}
				Expect(reported).To(BeTrue())
			}
		})
	})

	Context("acknowledge", func() {
		It("accepts a finished job and detaches it", func() {
			job, err := svc.Submit(context.TODO(), owner, "h1", "site1")
			Expect(err).To(BeNil())
			executor.Release(scraper.Result{Success: true})
			svc.Wait()

			accepted, err := svc.Acknowledge(context.TODO(), owner, job.ID)
			Expect(err).To(BeNil())
			Expect(accepted.JobStatus).To(Equal(model.JobStatusAccepted))
			Expect(accepted.AppStatus).To(Equal(model.AppStatusNone))
			Expect(accepted.ConnectionHandle).To(BeEmpty())
			Expect(accepted.AcceptedAt).NotTo(BeNil())

			// the target is free again
			next, err := svc.Submit(context.TODO(), owner, "h1", "site1")
			Expect(err).To(BeNil())
			Expect(next.ID).NotTo(Equal(job.ID))
			executor.Release(scraper.Result{Success: true})
		})

		It("rejects acknowledging a job twice", func() {
			job, err := svc.Submit(context.TODO(), owner, "h1", "site1")
			Expect(err).To(BeNil())
			executor.Release(scraper.Result{Success: false})
			svc.Wait()

			_, err = svc.Acknowledge(context.TODO(), owner, job.ID)
			Expect(err).To(BeNil())

			_, err = svc.Acknowledge(context.TODO(), owner, job.ID)
			var transitionErr *service.ErrInvalidTransition
			Expect(errors.As(err, &transitionErr)).To(BeTrue())
		})

		It("rejects acknowledging a running job", func() {
			job, err := svc.Submit(context.TODO(), owner, "h1", "site1")
			Expect(err).To(BeNil())

			_, err = svc.Acknowledge(context.TODO(), owner, job.ID)
			var transitionErr *service.ErrInvalidTransition
			Expect(errors.As(err, &transitionErr)).To(BeTrue())

			got, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(got.JobStatus).To(Equal(model.JobStatusScrapping))

			executor.Release(scraper.Result{Success: true})
		})

		It("hides unknown and foreign jobs", func() {
			_, err := svc.Acknowledge(context.TODO(), owner, uuid.New())
			var notFound *service.ErrResourceNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())

			job, err := s.Job().Create(context.TODO(), model.Job{Owner: "b@x.com", Target: "site1", JobStatus: model.JobStatusFinished})
			Expect(err).To(BeNil())

			_, err = svc.Acknowledge(context.TODO(), owner, job.ID)
			Expect(errors.As(err, &notFound)).To(BeTrue())

			got, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(got.JobStatus).To(Equal(model.JobStatusFinished))
		})

		It("keeps only the most recent accepted job of a target", func() {
			archiver := &testArchiver{}
			svc = service.NewJobService(s, reg, notifier, scraper.NewRunner(executor, 10), service.WithArchiver(archiver))

			now := time.Now().UTC()
			t1, err := s.Job().Create(context.TODO(), model.Job{Owner: owner, Target: "site1", JobStatus: model.JobStatusAccepted, CreatedAt: now.Add(-3 * time.Hour)})
			Expect(err).To(BeNil())
			t2, err := s.Job().Create(context.TODO(), model.Job{Owner: owner, Target: "site1", JobStatus: model.JobStatusAccepted, CreatedAt: now.Add(-2 * time.Hour)})
			Expect(err).To(BeNil())
			t3, err := s.Job().Create(context.TODO(), model.Job{Owner: owner, Target: "site1", JobStatus: model.JobStatusFinished, CreatedAt: now.Add(-1 * time.Hour)})
			Expect(err).To(BeNil())
			other, err := s.Job().Create(context.TODO(), model.Job{Owner: owner, Target: "site2", JobStatus: model.JobStatusAccepted, CreatedAt: now.Add(-4 * time.Hour)})
			Expect(err).To(BeNil())

			_, err = svc.Acknowledge(context.TODO(), owner, t3.ID)
			Expect(err).To(BeNil())

			accepted, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().ByOwner(owner).ByTarget("site1").ByStatus(model.JobStatusAccepted), nil)
			Expect(err).To(BeNil())
			Expect(accepted).To(HaveLen(1))
			Expect(accepted[0].ID).To(Equal(t3.ID))

			Expect(archiver.Archived().IDs()).To(ConsistOf(t1.ID, t2.ID))

			_, err = s.Job().Get(context.TODO(), other.ID)
			Expect(err).To(BeNil())
		})

		It("keeps the duplicates when they cannot be archived", func() {
			archiver := &testArchiver{failWith: errors.New("bucket missing")}
			svc = service.NewJobService(s, reg, notifier, scraper.NewRunner(executor, 10), service.WithArchiver(archiver))

			now := time.Now().UTC()
			_, err := s.Job().Create(context.TODO(), model.Job{Owner: owner, Target: "site1", JobStatus: model.JobStatusAccepted, CreatedAt: now.Add(-2 * time.Hour)})
			Expect(err).To(BeNil())
			last, err := s.Job().Create(context.TODO(), model.Job{Owner: owner, Target: "site1", JobStatus: model.JobStatusError, CreatedAt: now.Add(-1 * time.Hour)})
			Expect(err).To(BeNil())

			_, err = svc.Acknowledge(context.TODO(), owner, last.ID)
			Expect(err).To(BeNil())

			accepted, err := s.Job().List(context.TODO(), store.NewJobQueryFilter().ByOwner(owner).ByStatus(model.JobStatusAccepted), nil)
			Expect(err).To(BeNil())
			Expect(accepted).To(HaveLen(2))
		})
	})

	Context("events", func() {
		It("writes an event for every transition", func() {
			w := newTestWriter()
			ep := events.NewEventProducer(w)
			svc = service.NewJobService(s, reg, notifier, scraper.NewRunner(executor, 10), service.WithEventProducer(ep))

			job, err := svc.Submit(context.TODO(), owner, "h1", "site1")
			Expect(err).To(BeNil())
			executor.Release(scraper.Result{Success: true})
			svc.Wait()
			_, err = svc.Acknowledge(context.TODO(), owner, job.ID)
			Expect(err).To(BeNil())

			Expect(ep.Close()).To(Succeed())
			Expect(w.Kinds()).To(Equal([]string{events.JobCreatedKind, events.JobFinishedKind, events.JobAcceptedKind}))
		})
	})

	Context("list", func() {
		It("lists the jobs of an owner only", func() {
			_, err := s.Job().Create(context.TODO(), model.Job{Owner: owner, Target: "site1", JobStatus: model.JobStatusFinished})
			Expect(err).To(BeNil())
			_, err = s.Job().Create(context.TODO(), model.Job{Owner: "b@x.com", Target: "site1", JobStatus: model.JobStatusFinished})
			Expect(err).To(BeNil())

			jobs, err := svc.List(context.TODO(), owner)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Owner).To(Equal(owner))
		})
	})
})
