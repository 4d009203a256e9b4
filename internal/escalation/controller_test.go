package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

// fakeDispatcher 记录出站请求，可按联系人注入错误
type fakeDispatcher struct {
	mu         sync.Mutex
	dispatches []models.DispatchRequest
	notifies   []models.NotifyAllRequest
	failFor    map[string]bool
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req models.DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatches = append(d.dispatches, req)
	if d.failFor[req.ContactID] {
		return errors.New("channel unavailable")
	}
	return nil
}

func (d *fakeDispatcher) NotifyAll(ctx context.Context, req models.NotifyAllRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifies = append(d.notifies, req)
	return nil
}

func (d *fakeDispatcher) dispatchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatches)
}

func (d *fakeDispatcher) dispatchAt(i int) models.DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatches[i]
}

func testContacts() []models.EmergencyContact {
	c1 := models.EmergencyContact{ID: "c1", Name: "女儿", Endpoint: "+8613800001111", Type: models.ContactFamilyPrimary, Priority: 1}
	c1.Channels.Voice = true
	c2 := models.EmergencyContact{ID: "c2", Name: "护理员", Endpoint: "+8613800003333", Type: models.ContactCaregiver, Priority: 1}
	c2.Channels.SMS = true
	c3 := models.EmergencyContact{ID: "c3", Name: "急救", Endpoint: "120", Type: models.ContactEmergencyServices, Priority: 1}
	c3.Channels.Voice = true
	return []models.EmergencyContact{c1, c2, c3}
}

func testChain(models.SignalCategory) []models.ContactType {
	return []models.ContactType{
		models.ContactFamilyPrimary,
		models.ContactCaregiver,
		models.ContactEmergencyServices,
	}
}

func newTestController(timeout time.Duration, dispatcher Dispatcher) *Controller {
	return NewController(testContacts(), testChain, timeout, dispatcher, nil, zap.NewNop())
}

func TestTriggerDialsFirstAndNotifiesAll(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestController(time.Minute, d)
	defer c.Stop()

	sess, created := c.Trigger(context.Background(), "inc-1", models.SignalMedical, 4)

	require.True(t, created)
	require.NotNil(t, sess)
	assert.Equal(t, "inc-1", sess.IncidentID)
	require.Len(t, sess.Attempts, 1)
	assert.Equal(t, models.AttemptCalling, sess.Attempts[0].State)

	require.Equal(t, 1, d.dispatchCount())
	first := d.dispatchAt(0)
	assert.Equal(t, "c1", first.ContactID)
	assert.Equal(t, "voice", first.Channel)
	assert.Equal(t, models.SignalMedical, first.EmergencyType)
	assert.Equal(t, 4, first.Severity)

	// 带外全员通知立即发出，覆盖全部联系人
	require.Len(t, d.notifies, 1)
	assert.Len(t, d.notifies[0].Contacts, 3)
	assert.Equal(t, "emergency_medical", d.notifies[0].MessageTemplateID)
}

func TestTriggerIdempotent(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestController(time.Minute, d)
	defer c.Stop()

	_, created := c.Trigger(context.Background(), "inc-1", models.SignalExplicit, 4)
	require.True(t, created)

	// 重复信号被合并，不重复拨打
	_, created = c.Trigger(context.Background(), "inc-1", models.SignalExplicit, 4)
	assert.False(t, created)
	assert.Equal(t, 1, d.dispatchCount())
	assert.Len(t, d.notifies, 1)
}

func TestConnectedResolvesSession(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestController(time.Minute, d)
	defer c.Stop()

	resolved := make(chan *models.EscalationSession, 1)
	c.OnResolved = func(s *models.EscalationSession) { resolved <- s }

	c.Trigger(context.Background(), "inc-1", models.SignalExplicit, 4)
	ok := c.HandleConnected(context.Background(), "inc-1", "c1")
	require.True(t, ok)

	select {
	case sess := <-resolved:
		assert.True(t, sess.Resolved)
		require.Len(t, sess.Attempts, 1)
		assert.Equal(t, models.AttemptConnected, sess.Attempts[0].State)
	case <-time.After(time.Second):
		t.Fatal("OnResolved not called")
	}

	assert.Nil(t, c.ActiveSession("inc-1"))
	// 会话已销毁，再次接通回报是空操作
	assert.False(t, c.HandleConnected(context.Background(), "inc-1", "c1"))
}

func TestTimeoutAdvancesToNextContact(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestController(30*time.Millisecond, d)
	defer c.Stop()

	c.Trigger(context.Background(), "inc-1", models.SignalFall, 3)
	require.Equal(t, 1, d.dispatchCount())

	require.Eventually(t, func() bool {
		return d.dispatchCount() >= 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "c2", d.dispatchAt(1).ContactID)
	assert.Equal(t, "sms", d.dispatchAt(1).Channel)

	sess := c.ActiveSession("inc-1")
	require.NotNil(t, sess)
	assert.Equal(t, models.AttemptTimedOut, sess.Attempts[0].State)
}

func TestDispatchErrorAdvancesImmediately(t *testing.T) {
	d := &fakeDispatcher{failFor: map[string]bool{"c1": true}}
	c := newTestController(time.Minute, d)
	defer c.Stop()

	c.Trigger(context.Background(), "inc-1", models.SignalExplicit, 4)

	// 第一个联系人通道错误，未等超时直接拨打第二个
	require.Equal(t, 2, d.dispatchCount())
	assert.Equal(t, "c2", d.dispatchAt(1).ContactID)

	sess := c.ActiveSession("inc-1")
	require.NotNil(t, sess)
	require.Len(t, sess.Attempts, 2)
	assert.Equal(t, models.AttemptFailed, sess.Attempts[0].State)
	assert.Equal(t, models.AttemptCalling, sess.Attempts[1].State)
}

// introspectingDispatcher 在发出拨打请求时回查控制器的会话状态
// 若发布仍在持锁状态下进行，这里会因锁不可重入而死锁（测试超时失败）
type introspectingDispatcher struct {
	fakeDispatcher
	controller  *Controller
	sawSessions []bool
}

func (d *introspectingDispatcher) Dispatch(ctx context.Context, req models.DispatchRequest) error {
	if d.controller != nil {
		d.sawSessions = append(d.sawSessions, d.controller.ActiveSession(req.IncidentID) != nil)
	}
	return d.fakeDispatcher.Dispatch(ctx, req)
}

func TestDispatchEmittedOutsideSessionLock(t *testing.T) {
	d := &introspectingDispatcher{}
	c := newTestController(time.Minute, d)
	d.controller = c
	defer c.Stop()

	c.Trigger(context.Background(), "inc-1", models.SignalExplicit, 4)
	require.Equal(t, 1, d.dispatchCount())
	require.Len(t, d.sawSessions, 1)
	assert.True(t, d.sawSessions[0])

	// 失败推进的补拨同样在锁外发出
	require.True(t, c.HandleFailed(context.Background(), "inc-1", "c1"))
	require.Equal(t, 2, d.dispatchCount())
	require.Len(t, d.sawSessions, 2)
	assert.True(t, d.sawSessions[1])
}

func TestHandleRingingUpdatesAttempt(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestController(time.Minute, d)
	defer c.Stop()

	c.Trigger(context.Background(), "inc-1", models.SignalExplicit, 4)
	require.True(t, c.HandleRinging(context.Background(), "inc-1", "c1"))

	sess := c.ActiveSession("inc-1")
	require.NotNil(t, sess)
	assert.Equal(t, models.AttemptRinging, sess.Attempts[0].State)
	// 振铃不推进序列
	assert.Equal(t, 1, d.dispatchCount())
}

func TestHandleFailedAdvances(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestController(time.Minute, d)
	defer c.Stop()

	c.Trigger(context.Background(), "inc-1", models.SignalExplicit, 4)
	ok := c.HandleFailed(context.Background(), "inc-1", "c1")
	require.True(t, ok)

	require.Equal(t, 2, d.dispatchCount())
	assert.Equal(t, "c2", d.dispatchAt(1).ContactID)

	sess := c.ActiveSession("inc-1")
	require.NotNil(t, sess)
	assert.Equal(t, models.AttemptFailed, sess.Attempts[0].State)

	assert.False(t, c.HandleFailed(context.Background(), "inc-unknown", "c1"))
}

func TestExhaustedAfterAllContacts(t *testing.T) {
	d := &fakeDispatcher{failFor: map[string]bool{"c1": true, "c2": true, "c3": true}}
	c := newTestController(time.Minute, d)
	defer c.Stop()

	unresolved := make(chan *models.EscalationSession, 1)
	c.OnUnresolved = func(s *models.EscalationSession) { unresolved <- s }

	c.Trigger(context.Background(), "inc-1", models.SignalExplicit, 4)

	select {
	case sess := <-unresolved:
		assert.True(t, sess.Exhausted)
		assert.False(t, sess.Resolved)
		require.Len(t, sess.Attempts, 3)
		for _, a := range sess.Attempts {
			assert.Equal(t, models.AttemptFailed, a.State)
		}
	case <-time.After(time.Second):
		t.Fatal("OnUnresolved not called")
	}

	assert.Nil(t, c.ActiveSession("inc-1"))
}

func TestConnectedCancelsPendingTimer(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestController(30*time.Millisecond, d)
	defer c.Stop()

	c.Trigger(context.Background(), "inc-1", models.SignalExplicit, 4)
	require.True(t, c.HandleConnected(context.Background(), "inc-1", "c1"))

	// 接通后定时器作废，不再推进到下一联系人
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, d.dispatchCount())
}
