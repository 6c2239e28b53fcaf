package reconciler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/CompareGroup/chef-asg/internal/pkg/registry"
	"github.com/CompareGroup/chef-asg/internal/pkg/store"
	"github.com/CompareGroup/chef-asg/pkg/events"
)

const chefURL = "https://api.chef.io/organizations/foo"

// calls records the order of calls across both mocks.
type calls []string

type mockRegistry struct {
	mock.Mock
	order *calls
}

func (m *mockRegistry) URL() string { return chefURL }

func (m *mockRegistry) CreateClientAndKey(ctx context.Context, hostname string) (string, error) {
	*m.order = append(*m.order, "create:"+hostname)
	args := m.Called(hostname)
	return args.String(0), args.Error(1)
}

func (m *mockRegistry) DeleteClientAndNode(ctx context.Context, hostname string) error {
	*m.order = append(*m.order, "delete:"+hostname)
	return m.Called(hostname).Error(0)
}

type mockStore struct {
	mock.Mock
	order *calls
}

func (m *mockStore) Get(ctx context.Context, instanceID string) (store.Record, error) {
	*m.order = append(*m.order, "get:"+instanceID)
	args := m.Called(instanceID)
	r, _ := args.Get(0).(store.Record)
	return r, args.Error(1)
}

func (m *mockStore) Put(ctx context.Context, r store.Record) error {
	*m.order = append(*m.order, "put:"+r.InstanceID)
	return m.Called(r).Error(0)
}

func (m *mockStore) Delete(ctx context.Context, instanceID string) error {
	*m.order = append(*m.order, "remove:"+instanceID)
	return m.Called(instanceID).Error(0)
}

type fixture struct {
	r     *Reconciler
	reg   *mockRegistry
	store *mockStore
	order *calls
	logs  *observer.ObservedLogs
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	core, logs := observer.New(zapcore.DebugLevel)
	order := &calls{}
	f := &fixture{
		reg:   &mockRegistry{order: order},
		store: &mockStore{order: order},
		order: order,
		logs:  logs,
	}
	f.r = New(f.reg, f.store, zap.New(core), opts...)
	t.Cleanup(func() {
		f.reg.AssertExpectations(t)
		f.store.AssertExpectations(t)
	})
	return f
}

func message(t *testing.T, fields map[string]interface{}) string {
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(b)
}

func lifecycle(t *testing.T, group, id, event string) string {
	return message(t, map[string]interface{}{
		"EC2InstanceId":        id,
		"AutoScalingGroupName": group,
		"Event":                event,
		"Description":          "test",
	})
}

func envelope(bodies ...string) lambdaevents.SNSEvent {
	e := lambdaevents.SNSEvent{}
	for _, b := range bodies {
		e.Records = append(e.Records, lambdaevents.SNSEventRecord{
			EventSource: "aws:sns",
			SNS:         lambdaevents.SNSEntity{Message: b},
		})
	}
	return e
}

func TestHostname(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"EC2InstanceId":"i-123","AutoScalingGroupName":"web"}`, "web-i-123"},
		{`{"AutoScalingGroupName":"web"}`, "web-None"},
		{`{"EC2InstanceId":"i-123"}`, "None-i-123"},
		{`{}`, "None-None"},
		{`{"EC2InstanceId":"i-1","AutoScalingGroupName":"my-group"}`, "my-group-i-1"},
	}
	for _, tc := range tests {
		m, err := events.ParseLifecycleMessage([]byte(tc.body))
		require.NoError(t, err)
		assert.NotPanics(t, func() {
			assert.Equal(t, tc.want, Hostname(m))
			assert.Equal(t, Hostname(m), Hostname(m))
		})
	}
}

func TestLaunch(t *testing.T) {
	f := newFixture(t)
	f.reg.On("CreateClientAndKey", "web-i-123").Return("PRIVATE KEY", nil).Once()
	f.store.On("Put", store.Record{
		InstanceID:  "i-123",
		ClientKey:   "PRIVATE KEY",
		ChefHost:    chefURL,
		NodeName:    "web-i-123",
		Environment: "web",
	}).Return(nil).Once()

	report := f.r.HandleEnvelope(context.Background(),
		envelope(lifecycle(t, "web", "i-123", events.EventInstanceLaunch)))

	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Equal(t, Launched, res.Outcome)
	assert.Equal(t, "web-i-123", res.Hostname)
	assert.Equal(t, "i-123", res.InstanceID)
	assert.NoError(t, report.Err())
	assert.Equal(t, calls{"create:web-i-123", "put:i-123"}, *f.order)
}

func TestTerminate(t *testing.T) {
	f := newFixture(t)
	f.reg.On("DeleteClientAndNode", "web-i-123").Return(nil).Once()
	f.store.On("Delete", "i-123").Return(nil).Once()

	report := f.r.HandleEnvelope(context.Background(),
		envelope(lifecycle(t, "web", "i-123", events.EventInstanceTerminate)))

	require.Len(t, report.Results, 1)
	assert.Equal(t, Terminated, report.Results[0].Outcome)
	assert.Equal(t, calls{"delete:web-i-123", "remove:i-123"}, *f.order)
}

func TestTerminate_NodeAlreadyRemoved(t *testing.T) {
	f := newFixture(t)
	f.reg.On("DeleteClientAndNode", "web-i-123").
		Return(errors.Wrap(registry.ErrNotFound, "chef node web-i-123")).Once()
	f.store.On("Delete", "i-123").Return(nil).Once()

	var report Report
	require.NotPanics(t, func() {
		report = f.r.HandleEnvelope(context.Background(),
			envelope(lifecycle(t, "web", "i-123", events.EventInstanceTerminate)))
	})

	res := report.Results[0]
	assert.Equal(t, Terminated, res.Outcome)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, KindNotFound, KindOf(res.Warnings[0]))
	assert.NoError(t, report.Err())
	assert.Equal(t, 1, f.logs.FilterMessage("chef objects already deleted").Len())
	assert.Equal(t, calls{"delete:web-i-123", "remove:i-123"}, *f.order)
}

func TestUnknownEvents(t *testing.T) {
	for _, event := range []string{
		"",
		"AUTOSCALING:EC2_INSTANCE_LAUNCH",
		"autoscaling:ec2_instance_terminate",
		events.EventInstanceLaunchError,
		events.EventTestNotification,
		" autoscaling:EC2_INSTANCE_LAUNCH",
	} {
		t.Run(event, func(t *testing.T) {
			f := newFixture(t)
			report := f.r.HandleEnvelope(context.Background(),
				envelope(lifecycle(t, "web", "i-123", event)))

			assert.Equal(t, Ignored, report.Results[0].Outcome)
			assert.Empty(t, *f.order)
			assert.Equal(t, 1, f.logs.FilterMessage("unknown event type").Len())
			assert.NoError(t, report.Err())
		})
	}
}

func TestMissingEvent(t *testing.T) {
	f := newFixture(t)
	report := f.r.HandleEnvelope(context.Background(),
		envelope(message(t, map[string]interface{}{"EC2InstanceId": "i-1", "AutoScalingGroupName": "web"})))

	res := report.Results[0]
	assert.Equal(t, Ignored, res.Outcome)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, KindMissingField, KindOf(res.Warnings[0]))
	assert.Empty(t, *f.order)
}

func TestLaunch_MissingGroup(t *testing.T) {
	f := newFixture(t)
	f.reg.On("CreateClientAndKey", "None-i-123").Return("KEY", nil).Once()
	f.store.On("Put", mock.MatchedBy(func(r store.Record) bool { return r.InstanceID == "i-123" })).Return(nil).Once()

	report := f.r.HandleEnvelope(context.Background(), envelope(message(t, map[string]interface{}{
		"EC2InstanceId": "i-123",
		"Event":         events.EventInstanceLaunch,
	})))

	res := report.Results[0]
	assert.Equal(t, Launched, res.Outcome)
	assert.Equal(t, "None-i-123", res.Hostname)
	require.Len(t, res.Warnings, 1)
	var missing *events.MissingFieldError
	require.True(t, errors.As(res.Warnings[0], &missing))
	assert.Equal(t, events.FieldAutoScalingGroup, missing.Field)
}

func TestLaunch_RegistryFailure(t *testing.T) {
	f := newFixture(t)
	f.reg.On("CreateClientAndKey", "web-i-1").Return("", errors.New("quota exceeded")).Once()

	report := f.r.HandleEnvelope(context.Background(),
		envelope(lifecycle(t, "web", "i-1", events.EventInstanceLaunch)))

	res := report.Results[0]
	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, KindFatal, KindOf(res.Err))
	assert.Error(t, report.Err())
	f.store.AssertNotCalled(t, "Put", mock.Anything)
}

func TestLaunch_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.reg.On("CreateClientAndKey", "web-i-1").Return("KEY", nil).Once()
	f.store.On("Put", mock.Anything).Return(&store.Error{Op: "put", InstanceID: "i-1", Err: errors.New("denied")}).Once()

	report := f.r.HandleEnvelope(context.Background(),
		envelope(lifecycle(t, "web", "i-1", events.EventInstanceLaunch)))

	res := report.Results[0]
	assert.Equal(t, Partial, res.Outcome)
	assert.Equal(t, KindStore, KindOf(res.Err))
	assert.False(t, res.Err.(*Error).Transient())
	assert.Error(t, report.Err())
}

func conflictErr(hostname string) error {
	return errors.Wrap(registry.ErrConflict, "chef client "+hostname)
}

func notStored(instanceID string) error {
	return &store.Error{Op: "get", InstanceID: instanceID, Err: store.ErrNotFound}
}

func TestLaunch_ClientExists(t *testing.T) {
	f := newFixture(t)
	f.reg.On("CreateClientAndKey", "web-i-1").Return("", conflictErr("web-i-1")).Once()
	f.store.On("Get", "i-1").Return(store.Record{InstanceID: "i-1", ClientKey: "KEY"}, nil).Once()

	report := f.r.HandleEnvelope(context.Background(),
		envelope(lifecycle(t, "web", "i-1", events.EventInstanceLaunch)))

	assert.Equal(t, Duplicate, report.Results[0].Outcome)
	assert.NoError(t, report.Err())
	assert.Equal(t, calls{"create:web-i-1", "get:i-1"}, *f.order)
	f.store.AssertNotCalled(t, "Put", mock.Anything)
}

func TestLaunch_ClientExistsWithoutKey(t *testing.T) {
	f := newFixture(t)
	f.reg.On("CreateClientAndKey", "web-i-1").Return("", conflictErr("web-i-1")).Once()
	f.store.On("Get", "i-1").Return(nil, notStored("i-1")).Once()
	f.reg.On("DeleteClientAndNode", "web-i-1").Return(errors.Wrap(registry.ErrNotFound, "chef node web-i-1")).Once()
	f.reg.On("CreateClientAndKey", "web-i-1").Return("NEW KEY", nil).Once()
	f.store.On("Put", mock.MatchedBy(func(r store.Record) bool { return r.ClientKey == "NEW KEY" })).Return(nil).Once()

	report := f.r.HandleEnvelope(context.Background(),
		envelope(lifecycle(t, "web", "i-1", events.EventInstanceLaunch)))

	res := report.Results[0]
	assert.Equal(t, Launched, res.Outcome)
	assert.NoError(t, report.Err())
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, KindNotFound, KindOf(res.Warnings[0]))
	assert.Equal(t, calls{"create:web-i-1", "get:i-1", "delete:web-i-1", "create:web-i-1", "put:i-1"}, *f.order)
}

func TestLaunch_RedeliveryAfterStoreFailure(t *testing.T) {
	f := newFixture(t, WithDedupe(time.Hour))
	f.reg.On("CreateClientAndKey", "web-i-1").Return("K1", nil).Once()
	f.store.On("Put", mock.MatchedBy(func(r store.Record) bool { return r.ClientKey == "K1" })).
		Return(&store.Error{Op: "put", InstanceID: "i-1", Err: errors.New("throttled")}).Once()
	f.reg.On("CreateClientAndKey", "web-i-1").Return("", conflictErr("web-i-1")).Once()
	f.store.On("Get", "i-1").Return(nil, notStored("i-1")).Once()
	f.reg.On("DeleteClientAndNode", "web-i-1").Return(errors.Wrap(registry.ErrNotFound, "chef node web-i-1")).Once()
	f.reg.On("CreateClientAndKey", "web-i-1").Return("K2", nil).Once()
	f.store.On("Put", mock.MatchedBy(func(r store.Record) bool { return r.ClientKey == "K2" })).Return(nil).Once()

	launch := lifecycle(t, "web", "i-1", events.EventInstanceLaunch)

	first := f.r.HandleEnvelope(context.Background(), envelope(launch))
	assert.Equal(t, Partial, first.Results[0].Outcome)
	assert.Error(t, first.Err())

	second := f.r.HandleEnvelope(context.Background(), envelope(launch))
	assert.Equal(t, Launched, second.Results[0].Outcome)
	assert.NoError(t, second.Err())
	assert.Equal(t, calls{
		"create:web-i-1", "put:i-1",
		"create:web-i-1", "get:i-1", "delete:web-i-1", "create:web-i-1", "put:i-1",
	}, *f.order)
}

func TestLaunch_ClientExistsStoreUnavailable(t *testing.T) {
	f := newFixture(t, WithDedupe(time.Hour))
	f.reg.On("CreateClientAndKey", "web-i-1").Return("", conflictErr("web-i-1")).Twice()
	f.store.On("Get", "i-1").Return(nil, &store.Error{Op: "get", InstanceID: "i-1", Err: errors.New("throttled")}).Twice()

	launch := lifecycle(t, "web", "i-1", events.EventInstanceLaunch)
	report := f.r.HandleEnvelope(context.Background(), envelope(launch, launch))

	assert.Equal(t, []Outcome{Partial, Partial}, outcomes(report))
	assert.Equal(t, KindStore, KindOf(report.Results[0].Err))
	assert.Error(t, report.Err())
	f.reg.AssertNotCalled(t, "DeleteClientAndNode", mock.Anything)
	f.store.AssertNotCalled(t, "Put", mock.Anything)
}

func TestLaunch_StaleClientNotDeleted(t *testing.T) {
	f := newFixture(t)
	f.reg.On("CreateClientAndKey", "web-i-1").Return("", conflictErr("web-i-1")).Once()
	f.store.On("Get", "i-1").Return(nil, notStored("i-1")).Once()
	f.reg.On("DeleteClientAndNode", "web-i-1").Return(errors.New("forbidden")).Once()

	report := f.r.HandleEnvelope(context.Background(),
		envelope(lifecycle(t, "web", "i-1", events.EventInstanceLaunch)))

	res := report.Results[0]
	assert.Equal(t, Partial, res.Outcome)
	assert.Equal(t, KindFatal, KindOf(res.Err))
	assert.Equal(t, calls{"create:web-i-1", "get:i-1", "delete:web-i-1"}, *f.order)
}

func TestTerminate_RegistryFailure(t *testing.T) {
	f := newFixture(t)
	f.reg.On("DeleteClientAndNode", "web-i-1").Return(errors.New("boom")).Once()

	report := f.r.HandleEnvelope(context.Background(),
		envelope(lifecycle(t, "web", "i-1", events.EventInstanceTerminate)))

	assert.Equal(t, Failed, report.Results[0].Outcome)
	f.store.AssertNotCalled(t, "Delete", mock.Anything)
}

func TestTerminate_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.reg.On("DeleteClientAndNode", "web-i-1").Return(nil).Once()
	f.store.On("Delete", "i-1").Return(errors.New("throttled")).Once()

	report := f.r.HandleEnvelope(context.Background(),
		envelope(lifecycle(t, "web", "i-1", events.EventInstanceTerminate)))

	assert.Equal(t, Partial, report.Results[0].Outcome)
	assert.Len(t, report.Failed(), 1)
}

func TestMalformedMessageDoesNotStopEnvelope(t *testing.T) {
	f := newFixture(t)
	f.reg.On("DeleteClientAndNode", "web-i-2").Return(nil).Once()
	f.store.On("Delete", "i-2").Return(nil).Once()

	report := f.r.HandleEnvelope(context.Background(), envelope(
		"not json",
		lifecycle(t, "web", "i-2", events.EventInstanceTerminate),
	))

	require.Len(t, report.Results, 2)
	assert.Equal(t, Failed, report.Results[0].Outcome)
	assert.Equal(t, KindMalformed, KindOf(report.Results[0].Err))
	assert.Equal(t, Terminated, report.Results[1].Outcome)

	err := report.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 records failed")
}

func TestMixedEnvelope(t *testing.T) {
	f := newFixture(t)
	f.reg.On("CreateClientAndKey", "web-i-1").Return("K1", nil).Once()
	f.reg.On("CreateClientAndKey", "api-i-3").Return("K3", nil).Once()
	f.reg.On("DeleteClientAndNode", "web-i-2").Return(nil).Once()
	f.store.On("Put", mock.MatchedBy(func(r store.Record) bool { return r.InstanceID == "i-1" && r.ClientKey == "K1" })).Return(nil).Once()
	f.store.On("Put", mock.MatchedBy(func(r store.Record) bool { return r.InstanceID == "i-3" && r.ClientKey == "K3" })).Return(nil).Once()
	f.store.On("Delete", "i-2").Return(nil).Once()

	report := f.r.HandleEnvelope(context.Background(), envelope(
		lifecycle(t, "web", "i-1", events.EventInstanceLaunch),
		lifecycle(t, "web", "i-9", "autoscaling:EC2_INSTANCE_LAUNCH_ERROR"),
		lifecycle(t, "web", "i-2", events.EventInstanceTerminate),
		lifecycle(t, "web", "i-8", ""),
		lifecycle(t, "api", "i-3", events.EventInstanceLaunch),
	))

	require.Len(t, report.Results, 5)
	for i, res := range report.Results {
		assert.Equal(t, i, res.Index)
	}
	assert.Equal(t, map[Outcome]int{Launched: 2, Terminated: 1, Ignored: 2}, report.Summary())
	assert.Equal(t, 2, report.Count(Launched))
	assert.Equal(t, 0, report.Count(Failed))
	assert.Equal(t, calls{
		"create:web-i-1", "put:i-1",
		"delete:web-i-2", "remove:i-2",
		"create:api-i-3", "put:i-3",
	}, *f.order)
	assert.NoError(t, report.Err())
}

func TestDedupe(t *testing.T) {
	f := newFixture(t, WithDedupe(time.Hour))
	f.reg.On("CreateClientAndKey", "web-i-1").Return("K1", nil).Once()
	f.store.On("Put", mock.Anything).Return(nil).Once()
	f.reg.On("DeleteClientAndNode", "web-i-1").Return(nil).Once()
	f.store.On("Delete", "i-1").Return(nil).Once()

	launch := lifecycle(t, "web", "i-1", events.EventInstanceLaunch)
	terminate := lifecycle(t, "web", "i-1", events.EventInstanceTerminate)
	report := f.r.HandleEnvelope(context.Background(), envelope(launch, launch, terminate, terminate))

	assert.Equal(t, []Outcome{Launched, Duplicate, Terminated, Duplicate}, outcomes(report))
	assert.Equal(t, calls{"create:web-i-1", "put:i-1", "delete:web-i-1", "remove:i-1"}, *f.order)
}

func TestDedupe_FailedIsNotRemembered(t *testing.T) {
	f := newFixture(t, WithDedupe(time.Hour))
	f.reg.On("CreateClientAndKey", "web-i-1").Return("", errors.New("unavailable")).Once()
	f.reg.On("CreateClientAndKey", "web-i-1").Return("K1", nil).Once()
	f.store.On("Put", mock.Anything).Return(nil).Once()

	launch := lifecycle(t, "web", "i-1", events.EventInstanceLaunch)
	report := f.r.HandleEnvelope(context.Background(), envelope(launch, launch))

	assert.Equal(t, []Outcome{Failed, Launched}, outcomes(report))
}

func TestMetrics(t *testing.T) {
	m := NewMetrics("test")
	f := newFixture(t, WithMetrics(m))
	f.reg.On("DeleteClientAndNode", "None-None").Return(errors.Wrap(registry.ErrNotFound, "gone")).Once()
	f.store.On("Delete", "").Return(&store.Error{Op: "delete", Err: store.ErrEmptyKey}).Once()

	f.r.HandleEnvelope(context.Background(), envelope(
		message(t, map[string]interface{}{"Event": events.EventInstanceTerminate}),
		lifecycle(t, "web", "i-1", "nope"),
	))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Records.WithLabelValues(string(Partial))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Records.WithLabelValues(string(Ignored))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Records.WithLabelValues(string(Launched))))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Warnings.WithLabelValues(KindMissingField.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Warnings.WithLabelValues(KindNotFound.String())))
}

func TestHandleRecord(t *testing.T) {
	f := newFixture(t)
	f.reg.On("DeleteClientAndNode", "web-i-7").Return(nil).Once()
	f.store.On("Delete", "i-7").Return(nil).Once()

	res := f.r.HandleRecord(context.Background(), 3, "msg-7",
		lifecycle(t, "web", "i-7", events.EventInstanceTerminate))

	assert.Equal(t, 3, res.Index)
	assert.Equal(t, "msg-7", res.MessageID)
	assert.Equal(t, "i-7", res.InstanceID)
	assert.Equal(t, "web-i-7", res.Hostname)
	assert.Equal(t, events.EventInstanceTerminate, res.Event)
	assert.Equal(t, Terminated, res.Outcome)
	assert.True(t, res.OK())

	bad := f.r.HandleRecord(context.Background(), 4, "msg-8", "{")
	assert.Equal(t, Failed, bad.Outcome)
	assert.Equal(t, KindMalformed, KindOf(bad.Err))
	assert.False(t, bad.OK())
	assert.Equal(t, 1, f.logs.FilterField(zap.String("message_id", "msg-8")).Len())
}

func TestInvocationID(t *testing.T) {
	f := newFixture(t)
	ctx := lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{AwsRequestID: "req-1"})
	assert.Equal(t, "req-1", f.r.HandleEnvelope(ctx, envelope()).InvocationID)
	assert.Len(t, f.r.HandleEnvelope(context.Background(), envelope()).InvocationID, 36)
}

func outcomes(r Report) []Outcome {
	var o []Outcome
	for _, res := range r.Results {
		o = append(o, res.Outcome)
	}
	return o
}
