package wiring

import (
	"context"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"gampwise/internal/adapt"
	"gampwise/internal/config"
	"gampwise/internal/consult"
	"gampwise/internal/corpus"
	"gampwise/internal/engine"
	"gampwise/internal/eventlog"
	"gampwise/internal/faults"
	"gampwise/internal/folds"
	"gampwise/internal/knowledge"
	"gampwise/internal/logging"
	"gampwise/internal/store"
)

func scenarioConfig() config.Config {
	cfg := config.Default()
	cfg.Consultation.Channel = config.ChannelTimeout
	cfg.Consultation.Timeout = 300 * time.Millisecond
	cfg.Run.Timeout = 10 * time.Second
	cfg.Classifier.RetryDelay = time.Millisecond
	cfg.Agents.RetryDelay = time.Millisecond
	cfg.Evaluation.Stats.Iterations = 200
	return cfg
}

func scenarioManifest(docs ...corpus.Document) *corpus.Manifest {
	m, err := corpus.NewManifest(docs...)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	m.Knowledge = []knowledge.Passage{{ID: "k1", Source: "GAMP5 Appendix M4", Text: "category specific verification"}}
	return m
}

func build(cfg config.Config, m *corpus.Manifest, opts ...adapt.BuildOption) *adapt.Runtime {
	opts = append([]adapt.BuildOption{adapt.WithLogger(logging.Discard())}, opts...)
	rt, err := adapt.Build(context.Background(), cfg, m, opts...)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	ginkgo.DeferCleanup(rt.Close)
	return rt
}

func eventTypes(rec engine.RunRecord) []eventlog.Type {
	out := make([]eventlog.Type, len(rec.Events))
	for i, e := range rec.Events {
		out[i] = e.Type
	}
	return out
}

func lastEvent(rec engine.RunRecord, t eventlog.Type) eventlog.Event {
	for i := len(rec.Events) - 1; i >= 0; i-- {
		if rec.Events[i].Type == t {
			return rec.Events[i]
		}
	}
	ginkgo.Fail("no " + string(t) + " event")
	return eventlog.Event{}
}

var _ = ginkgo.Describe("Workflow scenarios", func() {
	ginkgo.It("A: a clear classification needs no consultation", func() {
		doc := corpus.Document{ID: "a", Text: "spreadsheet macro", Label: "cat3",
			Stub: &corpus.Stub{Scores: map[string]float64{"cat3": 0.9, "cat4": 0.3, "cat5": 0.1}}}
		rt := build(scenarioConfig(), scenarioManifest(doc))

		rec := rt.Engine.Run(context.Background(), doc)
		gomega.Expect(rec.Status).To(gomega.Equal(engine.StatusSuccess))
		gomega.Expect(rec.Category).To(gomega.Equal("cat3"))
		gomega.Expect(rec.Consultations).To(gomega.BeEmpty())
		gomega.Expect(eventTypes(rec)).NotTo(gomega.ContainElement(eventlog.ConsultationRequested))
		gomega.Expect(rec.Events[0].Type).To(gomega.Equal(eventlog.Ingested))
		gomega.Expect(rec.Events[len(rec.Events)-1].Type).To(gomega.Equal(eventlog.RunCompleted))
	})

	ginkgo.It("B: an unanswered ambiguity resolves to the conservative default at the deadline", func() {
		doc := corpus.Document{ID: "b", Text: "configurable LIMS", Label: "cat4",
			Stub: &corpus.Stub{Scores: map[string]float64{"cat4": 0.55, "cat5": 0.52}}}
		cfg := scenarioConfig()
		rt := build(cfg, scenarioManifest(doc))

		rec := rt.Engine.Run(context.Background(), doc)
		gomega.Expect(rec.Status).To(gomega.Equal(engine.StatusSuccess))
		gomega.Expect(rec.Category).To(gomega.Equal("cat5"))
		gomega.Expect(rec.Consultations).To(gomega.HaveLen(1))
		c := rec.Consultations[0]
		gomega.Expect(c.Kind).To(gomega.Equal(consult.KindCategorization))
		gomega.Expect(c.Source).To(gomega.Equal(consult.SourceTimeoutDefault))
		gomega.Expect(c.Decision).To(gomega.Equal("cat5"))
		gomega.Expect(c.ResolvedAt.Sub(c.RequestedAt)).To(gomega.BeNumerically(">=", cfg.Consultation.Timeout-10*time.Millisecond))
		gomega.Expect(eventTypes(rec)).To(gomega.ContainElements(eventlog.ConsultationRequested, eventlog.ConsultationResolved))
	})

	ginkgo.It("B': a reviewer answering through the channel overrides the default", func() {
		doc := corpus.Document{ID: "b2", Text: "configurable MES", Label: "cat4",
			Stub: &corpus.Stub{Scores: map[string]float64{"cat4": 0.55, "cat5": 0.52}}}
		cfg := scenarioConfig()
		cfg.Consultation.Timeout = 5 * time.Second
		mux := consult.NewMuxChannel()
		rt := build(cfg, scenarioManifest(doc), adapt.WithChannel(mux))

		go func() {
			defer ginkgo.GinkgoRecover()
			gomega.Eventually(mux.Pending).Should(gomega.HaveLen(1))
			req := mux.Pending()[0]
			gomega.Expect(mux.Resolve(req.ID, consult.Response{Decision: "cat4", Responder: "qa-lead"})).To(gomega.Succeed())
		}()

		rec := rt.Engine.Run(context.Background(), doc)
		gomega.Expect(rec.Status).To(gomega.Equal(engine.StatusSuccess))
		gomega.Expect(rec.Category).To(gomega.Equal("cat4"))
		gomega.Expect(rec.Consultations).To(gomega.HaveLen(1))
		gomega.Expect(rec.Consultations[0].Source).To(gomega.Equal(consult.SourceHuman))
		gomega.Expect(rec.Consultations[0].Responder).To(gomega.Equal("qa-lead"))
		gomega.Expect(*rec.WithFold("", doc.Label).Correct).To(gomega.BeTrue())
	})

	ginkgo.It("C: a timed-out agent leaves partial context the assembler accepts", func() {
		doc := corpus.Document{ID: "c", Text: "chromatography data system", Label: "cat4",
			Stub: &corpus.Stub{Agents: map[string]corpus.AgentStub{
				"research": {Delay: 5 * time.Second},
			}}}
		cfg := scenarioConfig()
		cfg.Agents.Timeout = 100 * time.Millisecond
		cfg.Agents.Retries = 0
		rt := build(cfg, scenarioManifest(doc))

		start := time.Now()
		rec := rt.Engine.Run(context.Background(), doc)
		gomega.Expect(time.Since(start)).To(gomega.BeNumerically("<", 2*time.Second))
		gomega.Expect(rec.Status).To(gomega.Equal(engine.StatusSuccess))
		gomega.Expect(rec.Usage.AgentCalls).To(gomega.Equal(3))
		gomega.Expect(rec.Usage.AgentFailures).To(gomega.Equal(1))

		failed := lastEvent(rec, eventlog.AgentFailed)
		gomega.Expect(failed.Payload).To(gomega.HaveKeyWithValue("capability", "research"))
		gomega.Expect(failed.Payload).To(gomega.HaveKeyWithValue("kind", string(faults.KindTimeout)))

		suite := lastEvent(rec, eventlog.SuiteAssembled)
		gomega.Expect(suite.Payload).To(gomega.HaveKeyWithValue("partial_context", true))
		gomega.Expect(suite.Payload).To(gomega.HaveKeyWithValue("missing", []string{"research"}))
	})

	ginkgo.It("D: a failed fold counts against the success rate and is flagged", func() {
		docs := []corpus.Document{
			{ID: "d1", Text: "balance firmware", Label: "cat3"},
			{ID: "d2", Text: "broken export", Label: "cat4", Stub: &corpus.Stub{ClassifierFault: string(faults.KindStateInvariant)}},
			{ID: "d3", Text: "custom batch record", Label: "cat5"},
		}
		m := scenarioManifest(docs...)
		assignments := []folds.Assignment{
			{FoldID: folds.FoldID(0), Train: []string{"d2", "d3"}, Validation: []string{"d1"}},
			{FoldID: folds.FoldID(1), Train: []string{"d1", "d3"}, Validation: []string{"d2"}},
			{FoldID: folds.FoldID(2), Train: []string{"d1", "d2"}, Validation: []string{"d3"}},
		}
		st := store.NewMemStore()
		ginkgo.DeferCleanup(st.Close)

		res, err := Evaluate(context.Background(), scenarioConfig(), m, "scenario-d.yaml", assignments, st,
			adapt.WithLogger(logging.Discard()))
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		rep := res.Report
		gomega.Expect(rep.N).To(gomega.Equal(3))
		gomega.Expect(rep.Failed).To(gomega.Equal(1))
		gomega.Expect(rep.SuccessRate.N).To(gomega.Equal(3))
		gomega.Expect(rep.SuccessRate.Value).To(gomega.BeNumerically("~", 2.0/3.0, 1e-9))
		gomega.Expect(rep.FailedFolds).To(gomega.HaveLen(1))
		gomega.Expect(rep.FailedFolds[0].FoldID).To(gomega.Equal("fold-2"))
		gomega.Expect(rep.FailedFolds[0].Failures).To(gomega.HaveLen(1))
		gomega.Expect(rep.FailedFolds[0].Failures[0].Kind).To(gomega.Equal(faults.KindStateInvariant))

		saved, err := st.ListRecords(context.Background(), res.EvaluationID)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(saved).To(gomega.HaveLen(3))
		ev, err := st.GetEvaluation(context.Background(), res.EvaluationID)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(ev.Report).NotTo(gomega.BeEmpty())
	})

	ginkgo.It("E: the run timeout bounds a slow classifier", func() {
		doc := corpus.Document{ID: "e", Text: "slow system", Label: "cat4",
			Stub: &corpus.Stub{ClassifierDelay: 5 * time.Second}}
		cfg := scenarioConfig()
		cfg.Run.Timeout = 300 * time.Millisecond
		rt := build(cfg, scenarioManifest(doc))

		start := time.Now()
		rec := rt.Engine.Run(context.Background(), doc)
		elapsed := time.Since(start)

		gomega.Expect(elapsed).To(gomega.BeNumerically("<", 2*time.Second))
		gomega.Expect(rec.Status).To(gomega.Equal(engine.StatusFailed))
		gomega.Expect(rec.FinalState).To(gomega.Equal(engine.StateFailed))
		gomega.Expect(rec.Failure).NotTo(gomega.BeNil())
		gomega.Expect(rec.Failure.Reason).To(gomega.Equal("timeout"))
		gomega.Expect(rec.Failure.Kind).To(gomega.Equal(faults.KindTimeout))
		gomega.Expect(rec.Failure.Stage).To(gomega.Equal("classify"))
	})
})
