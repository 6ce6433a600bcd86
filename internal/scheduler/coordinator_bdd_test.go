package scheduler_test

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"report-scheduler/internal/config"
	"report-scheduler/internal/models"
	"report-scheduler/internal/scheduler"
	"report-scheduler/internal/store"
)

func oneRow(context.Context, string) (store.Result, error) {
	return store.Result{Columns: []string{"n"}, Rows: [][]any{{int64(1)}}}, nil
}

var _ = Describe("Coordinator", func() {
	var (
		ctx   context.Context
		cfg   config.Config
		st    *store.Memory
		coord *scheduler.Coordinator
	)

	build := func() {
		coord = scheduler.New(cfg, st, nil, zerolog.Nop())
	}

	register := func(due time.Time) models.Job {
		job, err := coord.Tracker().Register(ctx, models.NewJob{Name: "kpi", Owner: "ops", DueTime: due, Query: "SELECT 1"})
		Expect(err).NotTo(HaveOccurred())
		return job
	}

	statusOf := func(id int64) func() models.Status {
		return func() models.Status {
			job, err := st.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			return job.Status
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = config.Defaults()
		cfg.StoreDriver = "memory"
		cfg.OutputDir = GinkgoT().TempDir()
		cfg.MaxConcurrency = 4
		cfg.RetryBackoff = 10 * time.Millisecond
		cfg.ScanInterval = time.Second
		cfg.MonitorInterval = time.Second
		st = store.NewMemory()
		st.SetQueryFunc(oneRow)
		build()
	})

	AfterEach(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = coord.Stop(stopCtx)
	})

	Describe("discovering due jobs", func() {
		It("fires a job whose due time has already passed without waiting", func() {
			job := register(time.Now().Add(-time.Minute))

			n, err := coord.Scanner().Scan(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Eventually(statusOf(job.ID), time.Second, 10*time.Millisecond).Should(Equal(models.StatusDone))
		})

		It("finds a job registered between ticks on the next tick when lookahead is shorter than the interval", func() {
			cfg.ScanInterval = 10 * time.Second
			cfg.Lookahead = 5 * time.Second
			cfg.ScanBackfill = 0
			build()

			t0 := time.Now()
			n, err := coord.Scanner().Scan(ctx, t0)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())

			job := register(t0.Add(7 * time.Second))

			n, err = coord.Scanner().Scan(ctx, t0.Add(10*time.Second))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(coord.Dispatcher().Has(job.ID)).To(BeTrue())
		})

		It("arms a job only once across repeated scans", func() {
			var calls atomic.Int32
			st.SetQueryFunc(func(ctx context.Context, q string) (store.Result, error) {
				calls.Add(1)
				time.Sleep(50 * time.Millisecond)
				return oneRow(ctx, q)
			})
			job := register(time.Now().Add(100 * time.Millisecond))

			for i := 0; i < 5; i++ {
				_, err := coord.Scanner().Scan(ctx, time.Now())
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(coord.Dispatcher().Armed()).To(Equal(1))

			Eventually(statusOf(job.ID), 2*time.Second, 10*time.Millisecond).Should(Equal(models.StatusDone))
			Consistently(calls.Load, 200*time.Millisecond, 20*time.Millisecond).Should(BeNumerically("==", 1))
		})

		It("skips a tick while the store is unreachable and recovers on the next", func() {
			job := register(time.Now())
			st.FailListDue(context.DeadlineExceeded)
			_, err := coord.Scanner().Scan(ctx, time.Now())
			Expect(err).To(HaveOccurred())
			Expect(coord.Dispatcher().Armed()).To(BeZero())

			st.FailListDue(nil)
			_, err = coord.Scanner().Scan(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Eventually(statusOf(job.ID), time.Second, 10*time.Millisecond).Should(Equal(models.StatusDone))
		})
	})

	Describe("bounded execution", func() {
		It("never runs more than max_concurrency jobs at once", func() {
			cfg.MaxConcurrency = 2
			build()
			st.SetQueryFunc(func(ctx context.Context, q string) (store.Result, error) {
				time.Sleep(50 * time.Millisecond)
				return oneRow(ctx, q)
			})
			for i := 0; i < 10; i++ {
				register(time.Now())
			}
			_, err := coord.Scanner().Scan(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())

			peak := 0
			Eventually(func() int64 {
				s := coord.Pool().Stats()
				if s.Active > peak {
					peak = s.Active
				}
				return s.Completed
			}, 5*time.Second, 2*time.Millisecond).Should(BeNumerically("==", 10))
			Expect(peak).To(BeNumerically("<=", 2))
			Expect(peak).To(BeNumerically(">=", 1))

			jobs, err := st.List(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			for _, j := range jobs {
				Expect(j.Status).To(Equal(models.StatusDone))
			}
		})
	})

	Describe("kill during execution", func() {
		It("keeps KILLED after the runner finishes", func() {
			release := make(chan struct{})
			st.SetQueryFunc(func(ctx context.Context, q string) (store.Result, error) {
				<-release
				return oneRow(ctx, q)
			})
			job := register(time.Now().Add(200 * time.Millisecond))
			_, err := coord.Scanner().Scan(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())

			Eventually(statusOf(job.ID), 2*time.Second, 10*time.Millisecond).Should(Equal(models.StatusRunning))
			Expect(coord.Kill(ctx, job.ID, "ops")).To(Succeed())
			Expect(statusOf(job.ID)()).To(Equal(models.StatusKilled))

			close(release)
			Eventually(coord.Dispatcher().Armed, 2*time.Second, 10*time.Millisecond).Should(BeZero())
			Consistently(statusOf(job.ID), 300*time.Millisecond, 20*time.Millisecond).Should(Equal(models.StatusKilled))

			logs, err := st.Logs(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			for _, e := range logs {
				Expect(e.Status).NotTo(BeElementOf(models.StatusDone, models.StatusError))
			}
		})

		It("never starts a job killed before its timer fires", func() {
			var calls atomic.Int32
			st.SetQueryFunc(func(ctx context.Context, q string) (store.Result, error) {
				calls.Add(1)
				return oneRow(ctx, q)
			})
			job := register(time.Now().Add(300 * time.Millisecond))
			_, err := coord.Scanner().Scan(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())

			Expect(coord.Kill(ctx, job.ID, "")).To(Succeed())
			Expect(coord.Dispatcher().Has(job.ID)).To(BeFalse())
			Consistently(calls.Load, 500*time.Millisecond, 50*time.Millisecond).Should(BeZero())
			Expect(statusOf(job.ID)()).To(Equal(models.StatusKilled))
		})

		It("routes kills from the in-process job surface through the dispatcher", func() {
			job := register(time.Now().Add(2 * time.Second))
			_, err := coord.Scanner().Scan(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(coord.Dispatcher().Has(job.ID)).To(BeTrue())

			jobs := coord.Jobs()
			Expect(jobs.Kill(ctx, job.ID, "ops")).To(Succeed())
			Expect(coord.Dispatcher().Has(job.ID)).To(BeFalse())

			view, err := jobs.Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Status).To(Equal(models.StatusKilled))
		})
	})

	Describe("lifecycle", func() {
		It("scans on start and drains on stop", func() {
			job := register(time.Now())
			Expect(coord.Start(ctx)).To(Succeed())
			Expect(coord.Start(ctx)).NotTo(Succeed())
			Eventually(statusOf(job.ID), 2*time.Second, 10*time.Millisecond).Should(Equal(models.StatusDone))

			stopCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			Expect(coord.Stop(stopCtx)).To(Succeed())
		})

		It("fails RUNNING jobs left behind by a crash", func() {
			cfg.StaleRunningAfter = time.Minute
			build()
			st.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
			job := register(time.Now().Add(time.Hour))
			ok, err := coord.Tracker().Claim(ctx, job.ID, "dead-run")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			st.SetClock(time.Now)

			Expect(coord.Start(ctx)).To(Succeed())
			Expect(statusOf(job.ID)()).To(Equal(models.StatusError))

			view, err := coord.Tracker().Status(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Detail).To(Equal("stale after restart"))
		})
	})
})
