package engagement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/notifications"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testLeadID  = "lead-1"
	testAgentID = "agent-1"
	testBaseURL = "https://app.example.com"
)

var testNow = time.Date(2026, 4, 10, 8, 30, 0, 0, time.UTC)

type sequenceIDs struct {
	prefix string
	next   int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("%s-%02d", s.prefix, s.next), nil
}

type failingNotifier struct {
	calls int
}

func (n *failingNotifier) Notify(context.Context, notifications.Draft) (notifications.Notification, error) {
	n.calls++
	return notifications.Notification{}, errors.New("notifications table unavailable")
}

type serviceFixture struct {
	service *Service
	db      *gorm.DB
	logs    *observer.ObservedLogs
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:engagement_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(Models(), &notifications.Notification{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	clock := func() time.Time { return testNow }

	notifier, err := notifications.NewService(notifications.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDs{prefix: "notification"},
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct notifications service: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDs{prefix: "report"},
		Notifier:   notifier,
		Logger:     logger,
		BaseURL:    testBaseURL,
	})
	if err != nil {
		t.Fatalf("failed to construct engagement service: %v", err)
	}

	seed := Lead{
		ID:              testLeadID,
		UserID:          testAgentID,
		PropertyAddress: "12 Kauri Rd, Ponsonby",
		CreatedAt:       testNow.Add(-72 * time.Hour),
		UpdatedAt:       testNow.Add(-72 * time.Hour),
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}

	return serviceFixture{service: service, db: db, logs: logs}
}

func (f serviceFixture) lead(t *testing.T) Lead {
	t.Helper()
	var lead Lead
	if err := f.db.Where("id = ?", testLeadID).Take(&lead).Error; err != nil {
		t.Fatalf("failed to load lead: %v", err)
	}
	return lead
}

func (f serviceFixture) reports(t *testing.T, kind ReportKind) []Report {
	t.Helper()
	var reports []Report
	if err := f.db.Where("appraisal_id = ? AND kind = ?", testLeadID, kind).Order("created_at ASC").Find(&reports).Error; err != nil {
		t.Fatalf("failed to load reports: %v", err)
	}
	return reports
}

func (f serviceFixture) storedNotifications(t *testing.T) []notifications.Notification {
	t.Helper()
	var items []notifications.Notification
	if err := f.db.Order("created_at ASC, id ASC").Find(&items).Error; err != nil {
		t.Fatalf("failed to load notifications: %v", err)
	}
	return items
}

func (f serviceFixture) seedReport(t *testing.T, report Report) {
	t.Helper()
	if report.LeadID == "" {
		report.LeadID = testLeadID
	}
	if report.UpdatedAt.IsZero() {
		report.UpdatedAt = report.CreatedAt
	}
	if err := f.db.Create(&report).Error; err != nil {
		t.Fatalf("failed to seed report: %v", err)
	}
}

func floatPtr(value float64) *float64 {
	return &value
}

func intPtr(value int64) *int64 {
	return &value
}

func boolPtr(value bool) *bool {
	return &value
}

func hotLeadDelivery(reportID string) Delivery {
	return Delivery{
		Event:      EventKindHotLead,
		RawEvent:   "hot_lead",
		LeadID:     testLeadID,
		ReportID:   reportID,
		ReportType: "appraisal",
		Metrics: Metrics{
			PropensityScore: floatPtr(82),
			TotalViews:      intPtr(3),
			IsHotLead:       boolPtr(true),
		},
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected error for missing database")
	}
	fixture := newServiceFixture(t)
	if _, err := NewService(ServiceConfig{Database: fixture.db, Notifier: &failingNotifier{}}); err == nil {
		t.Fatalf("expected error for missing id provider")
	}
	if _, err := NewService(ServiceConfig{Database: fixture.db, IDProvider: NewUUIDProvider()}); err == nil {
		t.Fatalf("expected error for missing notifier")
	}
}

func TestHandleValidatesRequiredFields(t *testing.T) {
	fixture := newServiceFixture(t)

	_, err := fixture.service.Handle(context.Background(), Delivery{RawEvent: "hot_lead"})
	if !errors.Is(err, ErrMissingLeadID) {
		t.Fatalf("expected ErrMissingLeadID, got %v", err)
	}
	if code := ErrorCode(err); code != "engagement.handle.missing_lead_id" {
		t.Fatalf("unexpected code %s", code)
	}

	_, err = fixture.service.Handle(context.Background(), Delivery{LeadID: testLeadID})
	if !errors.Is(err, ErrMissingEvent) {
		t.Fatalf("expected ErrMissingEvent, got %v", err)
	}
}

func TestHandleUnknownLeadOnGeneralPath(t *testing.T) {
	fixture := newServiceFixture(t)
	delivery := hotLeadDelivery("")
	delivery.LeadID = "lead-missing"

	_, err := fixture.service.Handle(context.Background(), delivery)
	if !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
}

func TestHotLeadScenarioWithoutReportFallsBackToPayload(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	first, err := fixture.service.Handle(ctx, hotLeadDelivery(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ReportAction != ReportActionSkipped {
		t.Fatalf("expected skipped report action, got %s", first.ReportAction)
	}
	if len(first.Notifications) != 1 || first.Notifications[0] != notifications.KindHotLead {
		t.Fatalf("expected one hot lead notification, got %v", first.Notifications)
	}

	lead := fixture.lead(t)
	if lead.PropensityScore != 82 || lead.TotalViews != 3 || !lead.IsHotLead {
		t.Fatalf("unexpected lead aggregate %+v", lead)
	}

	second, err := fixture.service.Handle(ctx, hotLeadDelivery(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second.Notifications) != 0 {
		t.Fatalf("expected no notification on redelivery, got %v", second.Notifications)
	}
	if items := fixture.storedNotifications(t); len(items) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(items))
	}
	if skipped := fixture.logs.FilterMessage("no report to reconcile; waiting for sender report id").Len(); skipped != 2 {
		t.Fatalf("expected skip to be logged twice, got %d", skipped)
	}
}

func TestHotLeadScenarioAdoptsReport(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	first, err := fixture.service.Handle(ctx, hotLeadDelivery("beacon-report-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ReportAction != ReportActionCreated || first.ReportKind != ReportKindMarketAppraisal {
		t.Fatalf("unexpected reconcile result %+v", first)
	}

	second, err := fixture.service.Handle(ctx, hotLeadDelivery("beacon-report-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ReportAction != ReportActionUpdated {
		t.Fatalf("expected update on redelivery, got %s", second.ReportAction)
	}

	reports := fixture.reports(t, ReportKindMarketAppraisal)
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	report := reports[0]
	if report.ID != "report-01" || report.ExternalReportID != "beacon-report-1" {
		t.Fatalf("unexpected report identity %+v", report)
	}
	if report.PropensityScore != 82 || report.TotalViews != 3 || !report.IsHotLead {
		t.Fatalf("unexpected report metrics %+v", report)
	}

	lead := fixture.lead(t)
	if lead.PropensityScore != 82 || !lead.IsHotLead {
		t.Fatalf("unexpected lead aggregate %+v", lead)
	}

	items := fixture.storedNotifications(t)
	if len(items) != 1 {
		t.Fatalf("expected one notification, got %d", len(items))
	}
	if items[0].UserID != testAgentID || items[0].Link != testBaseURL+"/appraisals/"+testLeadID {
		t.Fatalf("unexpected notification %+v", items[0])
	}
}

func TestSelfHealingAfterSkippedAdoption(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	early := Delivery{
		Event:      EventKindView,
		LeadID:     testLeadID,
		ReportType: "proposal",
		Metrics:    Metrics{PropensityScore: floatPtr(35), TotalViews: intPtr(1)},
	}
	if _, err := fixture.service.Handle(ctx, early); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reports := fixture.reports(t, ReportKindProposal); len(reports) != 0 {
		t.Fatalf("expected no proposal report yet, got %d", len(reports))
	}

	later := early
	later.ReportID = "beacon-proposal-9"
	later.Metrics = Metrics{PropensityScore: floatPtr(61), TotalViews: intPtr(4), TotalTimeSeconds: intPtr(300)}
	if _, err := fixture.service.Handle(ctx, later); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lead := fixture.lead(t)
	if lead.PropensityScore != 61 || lead.TotalViews != 4 || lead.TotalTimeSeconds != 300 {
		t.Fatalf("expected aggregate from adopted report, got %+v", lead)
	}
	if lead.IsHotLead {
		t.Fatalf("expected score 61 to stay below the hot threshold")
	}
}

func TestAdoptReportReturnsExistingAdoption(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.seedReport(t, Report{
		ID:               "report-existing",
		Kind:             ReportKindMarketAppraisal,
		ExternalReportID: "beacon-report-1",
		TotalViews:       5,
		CreatedAt:        testNow.Add(-time.Hour),
	})

	adopted, created, err := adoptReport(fixture.db, Report{
		ID:               "report-candidate",
		LeadID:           testLeadID,
		Kind:             ReportKindMarketAppraisal,
		ExternalReportID: "beacon-report-1",
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || adopted.ID != "report-existing" || adopted.TotalViews != 5 {
		t.Fatalf("expected existing adoption, got created=%v report=%+v", created, adopted)
	}
	if reports := fixture.reports(t, ReportKindMarketAppraisal); len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}

	duplicate := Report{
		ID:               "report-duplicate",
		LeadID:           testLeadID,
		Kind:             ReportKindMarketAppraisal,
		ExternalReportID: "beacon-report-1",
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	if err := fixture.db.Create(&duplicate).Error; err == nil {
		t.Fatalf("expected unique adoption index to reject duplicate sender report id")
	}
}

func TestReportsWithoutSenderIDAreNotUnique(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.seedReport(t, Report{ID: "report-a", Kind: ReportKindMarketAppraisal, CreatedAt: testNow.Add(-2 * time.Hour)})
	fixture.seedReport(t, Report{ID: "report-b", Kind: ReportKindMarketAppraisal, CreatedAt: testNow.Add(-time.Hour)})

	if reports := fixture.reports(t, ReportKindMarketAppraisal); len(reports) != 2 {
		t.Fatalf("expected two reports, got %d", len(reports))
	}
}

func TestConcurrentAdoptionKeepsSingleReport(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	// A competing delivery adopts the same sender report id after the lookup and before the insert.
	competing := false
	err := fixture.db.Callback().Create().Before("gorm:create").Register("test:competing_adoption", func(tx *gorm.DB) {
		if competing || tx.Statement.Table != "beacon_reports" {
			return
		}
		competing = true
		rival := Report{
			ID:               "report-rival",
			LeadID:           testLeadID,
			Kind:             ReportKindMarketAppraisal,
			ExternalReportID: "beacon-report-1",
			TotalViews:       2,
			CreatedAt:        testNow.Add(-time.Minute),
			UpdatedAt:        testNow.Add(-time.Minute),
		}
		if createErr := tx.Session(&gorm.Session{NewDB: true}).Create(&rival).Error; createErr != nil {
			tx.AddError(createErr)
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	result, err := fixture.service.Handle(ctx, hotLeadDelivery("beacon-report-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !competing {
		t.Fatalf("expected competing adoption to run")
	}
	if result.ReportAction != ReportActionUpdated {
		t.Fatalf("expected update of the competing row, got %s", result.ReportAction)
	}

	reports := fixture.reports(t, ReportKindMarketAppraisal)
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	if reports[0].ID != "report-rival" || reports[0].TotalViews != 3 || reports[0].PropensityScore != 82 {
		t.Fatalf("unexpected report %+v", reports[0])
	}

	lead := fixture.lead(t)
	if lead.TotalViews != 3 || lead.PropensityScore != 82 {
		t.Fatalf("unexpected lead aggregate %+v", lead)
	}
}

func TestSetOnceFieldsNeverChange(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	firstView := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	sentAt := time.Date(2026, 3, 30, 9, 0, 0, 0, time.UTC)

	delivery := Delivery{
		Event:    EventKindView,
		LeadID:   testLeadID,
		ReportID: "beacon-report-1",
		Metrics: Metrics{
			TotalViews:    intPtr(1),
			FirstViewedAt: &firstView,
			SentAt:        &sentAt,
			LastActivity:  &firstView,
		},
	}
	if _, err := fixture.service.Handle(ctx, delivery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	laterView := firstView.Add(48 * time.Hour)
	laterSent := sentAt.Add(24 * time.Hour)
	delivery.Metrics = Metrics{
		TotalViews:    intPtr(5),
		FirstViewedAt: &laterView,
		SentAt:        &laterSent,
		LastActivity:  &laterView,
	}
	if _, err := fixture.service.Handle(ctx, delivery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report := fixture.reports(t, ReportKindMarketAppraisal)[0]
	if report.FirstViewedAt == nil || !report.FirstViewedAt.Equal(firstView) {
		t.Fatalf("expected report first view to stay %v, got %v", firstView, report.FirstViewedAt)
	}
	if report.SentAt == nil || !report.SentAt.Equal(sentAt) {
		t.Fatalf("expected report sent at to stay %v, got %v", sentAt, report.SentAt)
	}
	if report.TotalViews != 5 || report.LastActivity == nil || !report.LastActivity.Equal(laterView) {
		t.Fatalf("expected counters and last activity to overwrite, got %+v", report)
	}

	lead := fixture.lead(t)
	if lead.FirstViewedAt == nil || !lead.FirstViewedAt.Equal(firstView) {
		t.Fatalf("expected lead first view to stay %v, got %v", firstView, lead.FirstViewedAt)
	}
	if lead.ReportSentAt == nil || !lead.ReportSentAt.Equal(sentAt) {
		t.Fatalf("expected lead report sent at to stay %v, got %v", sentAt, lead.ReportSentAt)
	}
	if lead.LastActivity == nil || !lead.LastActivity.Equal(laterView) {
		t.Fatalf("expected lead last activity to advance, got %v", lead.LastActivity)
	}
}

func TestAggregationAcrossReports(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	fixture.seedReport(t, Report{ID: "r-appraisal", Kind: ReportKindMarketAppraisal, PropensityScore: 74, TotalViews: 6, TotalTimeSeconds: 420, EmailOpenCount: 2, IsHotLead: true, CreatedAt: testNow.Add(-10 * time.Hour)})
	fixture.seedReport(t, Report{ID: "r-campaign", Kind: ReportKindUpdateCampaign, PropensityScore: 20, TotalViews: 1, EmailOpenCount: 5, CreatedAt: testNow.Add(-9 * time.Hour)})
	fixture.seedReport(t, Report{ID: "r-proposal", Kind: ReportKindProposal, PropensityScore: 10, CreatedAt: testNow.Add(-8 * time.Hour)})

	delivery := Delivery{
		Event:      EventKindView,
		LeadID:     testLeadID,
		ReportType: "proposal",
		Metrics:    Metrics{PropensityScore: floatPtr(55), TotalViews: intPtr(2), TotalTimeSeconds: intPtr(90), IsHotLead: boolPtr(false)},
	}
	result, err := fixture.service.Handle(ctx, delivery)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ReportAction != ReportActionUpdated {
		t.Fatalf("expected existing proposal to be updated, got %s", result.ReportAction)
	}

	lead := fixture.lead(t)
	if lead.PropensityScore != 74 {
		t.Fatalf("expected max score 74, got %v", lead.PropensityScore)
	}
	if lead.TotalViews != 9 || lead.TotalTimeSeconds != 510 || lead.EmailOpenCount != 7 {
		t.Fatalf("unexpected sums %+v", lead)
	}
	if !lead.IsHotLead {
		t.Fatalf("expected hot flag OR across reports")
	}
}

func TestReconcileTargetsNewestReportOfKind(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.seedReport(t, Report{ID: "r-old", Kind: ReportKindMarketAppraisal, PropensityScore: 30, CreatedAt: testNow.Add(-30 * 24 * time.Hour)})
	fixture.seedReport(t, Report{ID: "r-new", Kind: ReportKindMarketAppraisal, PropensityScore: 40, CreatedAt: testNow.Add(-24 * time.Hour)})

	delivery := Delivery{Event: EventKindView, LeadID: testLeadID, Metrics: Metrics{PropensityScore: floatPtr(50)}}
	if _, err := fixture.service.Handle(context.Background(), delivery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reports := fixture.reports(t, ReportKindMarketAppraisal)
	if reports[0].ID != "r-old" || reports[0].PropensityScore != 30 {
		t.Fatalf("expected old report untouched, got %+v", reports[0])
	}
	if reports[1].ID != "r-new" || reports[1].PropensityScore != 50 {
		t.Fatalf("expected newest report updated, got %+v", reports[1])
	}
}

func TestProposalDeclinedScenario(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.seedReport(t, Report{ID: "r-proposal", Kind: ReportKindProposal, CreatedAt: testNow.Add(-time.Hour)})
	declinedAt := time.Date(2026, 4, 9, 22, 15, 0, 0, time.UTC)

	result, err := fixture.service.Handle(context.Background(), Delivery{
		Event:     EventKindProposalDeclined,
		LeadID:    testLeadID,
		Timestamp: &declinedAt,
		Metrics:   Metrics{ProposalDeclineReason: "Chose another agent"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ReportKind != ReportKindProposal {
		t.Fatalf("expected proposal kind, got %s", result.ReportKind)
	}

	report := fixture.reports(t, ReportKindProposal)[0]
	if report.ProposalDeclinedAt == nil || !report.ProposalDeclinedAt.Equal(declinedAt) {
		t.Fatalf("expected declined at %v, got %v", declinedAt, report.ProposalDeclinedAt)
	}
	if report.ProposalDeclineReason != "Chose another agent" {
		t.Fatalf("unexpected decline reason %q", report.ProposalDeclineReason)
	}

	items := fixture.storedNotifications(t)
	if len(items) != 1 || items[0].Kind != notifications.KindProposalDeclined {
		t.Fatalf("expected one decline notification, got %+v", items)
	}
	if !strings.Contains(items[0].Message, "Chose another agent") {
		t.Fatalf("expected reason in notification, got %s", items[0].Message)
	}
}

func TestProposalAcceptedAlwaysNotifies(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.seedReport(t, Report{ID: "r-proposal", Kind: ReportKindProposal, CreatedAt: testNow.Add(-time.Hour)})
	delivery := Delivery{Event: EventKindProposalAccepted, LeadID: testLeadID}

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := fixture.service.Handle(context.Background(), delivery); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if items := fixture.storedNotifications(t); len(items) != 2 {
		t.Fatalf("expected a notification per acceptance delivery, got %d", len(items))
	}
	report := fixture.reports(t, ReportKindProposal)[0]
	if report.ProposalAcceptedAt == nil || !report.ProposalAcceptedAt.Equal(testNow) {
		t.Fatalf("expected accepted at to default to clock, got %v", report.ProposalAcceptedAt)
	}
}

func TestCampaignStartedSetsKindFields(t *testing.T) {
	fixture := newServiceFixture(t)
	started := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	delivery := Delivery{
		Event:           EventKindCampaignStarted,
		LeadID:          testLeadID,
		ReportID:        "beacon-campaign-1",
		ReportURL:       "https://beacon.example.com/r/1",
		PersonalizedURL: "https://beacon.example.com/p/1",
		Metrics:         Metrics{CampaignStartedAt: &started, DaysOnMarket: intPtr(12)},
	}
	if _, err := fixture.service.Handle(context.Background(), delivery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	delivery.Metrics = Metrics{DaysOnMarket: intPtr(19)}
	if _, err := fixture.service.Handle(context.Background(), delivery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report := fixture.reports(t, ReportKindUpdateCampaign)[0]
	if report.CampaignStartedAt == nil || !report.CampaignStartedAt.Equal(started) {
		t.Fatalf("expected campaign start to stay %v, got %v", started, report.CampaignStartedAt)
	}
	if report.DaysOnMarket == nil || *report.DaysOnMarket != 19 {
		t.Fatalf("expected days on market to overwrite, got %v", report.DaysOnMarket)
	}
	if report.ReportURL != "https://beacon.example.com/r/1" || report.PersonalizedURL != "https://beacon.example.com/p/1" {
		t.Fatalf("unexpected urls %+v", report)
	}
}

func TestLedgerRedeliveryIsNoOp(t *testing.T) {
	fixture := newServiceFixture(t)
	occurred := time.Date(2026, 4, 9, 7, 0, 0, 0, time.UTC)
	delivery := Delivery{
		Event:  EventKindView,
		LeadID: testLeadID,
		Events: []LedgerEntry{
			{Type: "view", OccurredAt: occurred, DurationSeconds: 60},
			{Type: "email_open", OccurredAt: occurred.Add(-time.Hour)},
			{Type: "hover", OccurredAt: occurred},
		},
	}

	first, err := fixture.service.Handle(context.Background(), delivery)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Ledger.Inserted != 2 || first.Ledger.Skipped != 1 || first.Ledger.Duplicates != 0 {
		t.Fatalf("unexpected first ledger result %+v", first.Ledger)
	}

	second, err := fixture.service.Handle(context.Background(), delivery)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Ledger.Inserted != 0 || second.Ledger.Duplicates != 2 {
		t.Fatalf("unexpected redelivery ledger result %+v", second.Ledger)
	}

	var count int64
	if err := fixture.db.Model(&EngagementEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count ledger rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", count)
	}
}

func TestLedgerFailureDoesNotFailDelivery(t *testing.T) {
	fixture := newServiceFixture(t)
	if err := fixture.db.Migrator().DropTable(&EngagementEvent{}); err != nil {
		t.Fatalf("failed to drop ledger table: %v", err)
	}

	result, err := fixture.service.Handle(context.Background(), Delivery{
		Event:   EventKindView,
		LeadID:  testLeadID,
		Metrics: Metrics{TotalViews: intPtr(2)},
		Events:  []LedgerEntry{{Type: "view", OccurredAt: testNow}},
	})
	if err != nil {
		t.Fatalf("expected ledger failure to be swallowed, got %v", err)
	}
	if len(result.Degraded) != 1 || result.Degraded[0] != StageLedger {
		t.Fatalf("expected degraded ledger stage, got %v", result.Degraded)
	}
	if lead := fixture.lead(t); lead.TotalViews != 2 {
		t.Fatalf("expected aggregate to be written, got %d views", lead.TotalViews)
	}
}

func TestNotificationFailureIsSwallowed(t *testing.T) {
	fixture := newServiceFixture(t)
	notifier := &failingNotifier{}
	fixture.service.notifier = notifier

	result, err := fixture.service.Handle(context.Background(), hotLeadDelivery(""))
	if err != nil {
		t.Fatalf("expected notification failure to be swallowed, got %v", err)
	}
	if notifier.calls != 1 {
		t.Fatalf("expected one notify attempt, got %d", notifier.calls)
	}
	if len(result.Notifications) != 0 || len(result.Degraded) != 1 || result.Degraded[0] != StageNotification {
		t.Fatalf("unexpected result %+v", result)
	}
	if !fixture.lead(t).IsHotLead {
		t.Fatalf("expected lead state to be committed")
	}
}

func TestPropagatesToPipelineRecord(t *testing.T) {
	fixture := newServiceFixture(t)
	leadID := testLeadID
	pipeline := PipelineRecord{ID: "listing-1", LeadID: &leadID, Address: "12 Kauri Rd", UpdatedAt: testNow.Add(-time.Hour)}
	if err := fixture.db.Create(&pipeline).Error; err != nil {
		t.Fatalf("failed to seed pipeline: %v", err)
	}
	activity := testNow.Add(-5 * time.Minute)
	delivery := hotLeadDelivery("beacon-report-1")
	delivery.Metrics.LastActivity = &activity

	result, err := fixture.service.Handle(context.Background(), delivery)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Propagated {
		t.Fatalf("expected propagation")
	}

	var stored PipelineRecord
	if err := fixture.db.Where("id = ?", "listing-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load pipeline: %v", err)
	}
	if stored.PropensityScore != 82 || !stored.IsHotLead {
		t.Fatalf("unexpected mirrored fields %+v", stored)
	}
	if stored.LastActivity == nil || !stored.LastActivity.Equal(activity) {
		t.Fatalf("expected mirrored last activity %v, got %v", activity, stored.LastActivity)
	}
}

func TestWithoutPipelineRecordPropagationIsNoOp(t *testing.T) {
	fixture := newServiceFixture(t)
	result, err := fixture.service.Handle(context.Background(), hotLeadDelivery(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Propagated || len(result.Degraded) != 0 {
		t.Fatalf("expected silent no-op, got %+v", result)
	}
}

func TestUnknownReportTypeIsLogged(t *testing.T) {
	fixture := newServiceFixture(t)
	delivery := Delivery{Event: EventKindGeneric, RawEvent: "report_forwarded", LeadID: testLeadID, ReportType: "brochure"}
	result, err := fixture.service.Handle(context.Background(), delivery)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ReportKind != ReportKindMarketAppraisal {
		t.Fatalf("expected fallback kind, got %s", result.ReportKind)
	}
	entries := fixture.logs.FilterMessage("unrecognized report type mapped to market_appraisal").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["report_type"] != "brochure" {
		t.Fatalf("unexpected log context %v", entries[0].ContextMap())
	}
}

func TestOwnerAddedSyncsContactFields(t *testing.T) {
	fixture := newServiceFixture(t)
	result, err := fixture.service.Handle(context.Background(), Delivery{
		Event:  EventKindOwnerAdded,
		LeadID: testLeadID,
		Owner:  OwnerInfo{Name: "Aroha Smith", Email: "aroha@example.com"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Message != "Owner info synced" {
		t.Fatalf("unexpected message %q", result.Message)
	}
	lead := fixture.lead(t)
	if lead.OwnerName != "Aroha Smith" || lead.OwnerEmail != "aroha@example.com" || lead.OwnerPhone != "" {
		t.Fatalf("unexpected owner fields %+v", lead)
	}
}

func TestInformationalEventsSkipUnknownLead(t *testing.T) {
	fixture := newServiceFixture(t)
	for _, event := range []EventKind{EventKindOwnerAdded, EventKindReportSent} {
		result, err := fixture.service.Handle(context.Background(), Delivery{Event: event, LeadID: "lead-missing"})
		if err != nil {
			t.Fatalf("expected %s for unknown lead to succeed, got %v", event, err)
		}
		if !strings.Contains(result.Message, "skipped") {
			t.Fatalf("expected skipped message for %s, got %q", event, result.Message)
		}
	}
}

func TestReportSentStampsOnce(t *testing.T) {
	fixture := newServiceFixture(t)
	sentAt := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	delivery := Delivery{Event: EventKindReportSent, LeadID: testLeadID, ReportID: "beacon-report-1", Metrics: Metrics{SentAt: &sentAt}}
	result, err := fixture.service.Handle(context.Background(), delivery)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ReportAction != ReportActionCreated {
		t.Fatalf("expected report adoption, got %s", result.ReportAction)
	}

	resent := sentAt.Add(72 * time.Hour)
	delivery.Metrics.SentAt = &resent
	if _, err := fixture.service.Handle(context.Background(), delivery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report := fixture.reports(t, ReportKindMarketAppraisal)[0]
	if report.SentAt == nil || !report.SentAt.Equal(sentAt) {
		t.Fatalf("expected report sent at %v, got %v", sentAt, report.SentAt)
	}
	lead := fixture.lead(t)
	if lead.ReportSentAt == nil || !lead.ReportSentAt.Equal(sentAt) {
		t.Fatalf("expected lead sent at %v, got %v", sentAt, lead.ReportSentAt)
	}
}

func TestEngagementSummaryScopesToOwner(t *testing.T) {
	fixture := newServiceFixture(t)
	delivery := hotLeadDelivery("beacon-report-1")
	delivery.Events = []LedgerEntry{{Type: "view", OccurredAt: testNow.Add(-time.Minute)}}
	if _, err := fixture.service.Handle(context.Background(), delivery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	summary, err := fixture.service.EngagementSummary(context.Background(), testAgentID, testLeadID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Lead.ID != testLeadID || len(summary.Reports) != 1 || len(summary.Events) != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if _, err := fixture.service.EngagementSummary(context.Background(), "agent-2", testLeadID); !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound for another agent, got %v", err)
	}
}
