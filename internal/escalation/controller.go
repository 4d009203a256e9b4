// Package escalation 提供紧急联系人升级控制
//
// 状态机：Idle → Dialing(contact_i) → {Connected(resolved) | Failed/TimedOut → Dialing(contact_i+1)} → Exhausted
//
// 紧急确认后创建升级会话：按紧急类别取联系人链（如 medical: 家属 → 医生 → 护理员 → 急救），
// 对当前联系人发出拨打请求并启动超时定时器；同时向全部联系人立即发出带外通知，
// 与拨打序列互不影响。接通信号先到则会话解决并取消定时器；定时器先到则推进到下一联系人。
// 联系人用尽后进入 Exhausted 终态并发出未解决事件。
//
// 同一 incident id 同时最多存在一个活跃会话（幂等创建），重复信号被合并而不是重复拨打。
package escalation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

// Dispatcher 出站通信接口（只描述要做什么通信，不关心通道实现）
type Dispatcher interface {
	// Dispatch 发出单个联系人的拨打请求
	Dispatch(ctx context.Context, req models.DispatchRequest) error
	// NotifyAll 发出全员通知请求
	NotifyAll(ctx context.Context, req models.NotifyAllRequest) error
}

// ChainFunc 紧急类别到联系人类型顺序的映射（来自守护规则包）
type ChainFunc func(category models.SignalCategory) []models.ContactType

// Controller 升级控制器
type Controller struct {
	contacts   []models.EmergencyContact
	chainFn    ChainFunc
	timeout    time.Duration
	dispatcher Dispatcher
	store      *SessionStore // 可为 nil（纯内存模式）
	logger     *zap.Logger

	// OnResolved / OnUnresolved 终态回调（由服务层设置，用于落库与事件发布）
	OnResolved   func(session *models.EscalationSession)
	OnUnresolved func(session *models.EscalationSession)

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// liveSession 活跃会话（内存权威状态 + 定时器）
type liveSession struct {
	state    models.EscalationSession
	timer    *time.Timer
	gen      int // 定时器代数，旧定时器触发时据此丢弃
	severity int
}

// NewController 创建升级控制器
func NewController(
	contacts []models.EmergencyContact,
	chainFn ChainFunc,
	timeout time.Duration,
	dispatcher Dispatcher,
	store *SessionStore,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		contacts:   contacts,
		chainFn:    chainFn,
		timeout:    timeout,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
		sessions:   make(map[string]*liveSession),
	}
}

// Trigger 紧急确认触发升级（幂等：同一 incident id 的重复触发被合并）
// 返回会话快照以及本次调用是否创建了新会话
func (c *Controller) Trigger(ctx context.Context, incidentID string, category models.SignalCategory, severity int) (*models.EscalationSession, bool) {
	c.mu.Lock()

	if existing, ok := c.sessions[incidentID]; ok {
		snapshot := existing.state
		c.mu.Unlock()
		c.logger.Info("Duplicate emergency signal coalesced",
			zap.String("incident_id", incidentID),
		)
		return &snapshot, false
	}

	contacts := c.orderContacts(category)
	sess := &liveSession{
		state: models.EscalationSession{
			IncidentID: incidentID,
			Category:   category,
			Contacts:   contacts,
			StartedAt:  time.Now(),
		},
		severity: severity,
	}
	c.sessions[incidentID] = sess

	c.logger.Info("Escalation session created",
		zap.String("incident_id", incidentID),
		zap.String("category", string(category)),
		zap.Int("contact_count", len(contacts)),
	)

	// 带外全员通知：与拨打序列并行，立即发出
	notify := models.NotifyAllRequest{
		IncidentID:        incidentID,
		Contacts:          contactIDs(contacts),
		MessageTemplateID: "emergency_" + string(category),
	}

	req, gen := c.dialLocked(sess)
	snapshot := sess.state
	c.mu.Unlock()

	if err := c.dispatcher.NotifyAll(ctx, notify); err != nil {
		c.logger.Error("Failed to send notify-all request",
			zap.String("incident_id", incidentID),
			zap.Error(err),
		)
	}

	c.saveState(ctx, &snapshot)
	c.emitDispatch(ctx, req, gen)
	return &snapshot, true
}

// HandleConnected 接通信号（来自通信协作方）
// 会话解决：取消定时器，销毁会话，之后不再有任何定时器触发
func (c *Controller) HandleConnected(ctx context.Context, incidentID, contactID string) bool {
	c.mu.Lock()
	sess, ok := c.sessions[incidentID]
	if !ok {
		c.mu.Unlock()
		return false
	}

	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	sess.gen++ // 使尚未执行的旧定时器作废

	now := time.Now()
	if n := len(sess.state.Attempts); n > 0 {
		sess.state.Attempts[n-1].State = models.AttemptConnected
		sess.state.Attempts[n-1].EndedAt = &now
	}
	sess.state.Resolved = true

	delete(c.sessions, incidentID)
	snapshot := sess.state
	c.mu.Unlock()

	c.logger.Info("Escalation resolved",
		zap.String("incident_id", incidentID),
		zap.String("contact_id", contactID),
		zap.Int("attempts", len(snapshot.Attempts)),
	)

	c.saveState(ctx, &snapshot)
	if c.OnResolved != nil {
		c.OnResolved(&snapshot)
	}
	return true
}

// ActiveSession 查询活跃会话快照（不存在时返回 nil）
func (c *Controller) ActiveSession(incidentID string) *models.EscalationSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[incidentID]; ok {
		snapshot := sess.state
		return &snapshot
	}
	return nil
}

// Stop 停止控制器：取消所有活跃定时器（不产生终态事件）
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sess := range c.sessions {
		if sess.timer != nil {
			sess.timer.Stop()
			sess.timer = nil
		}
		sess.gen++
	}
	c.sessions = make(map[string]*liveSession)
}

// HandleRinging 振铃回报：只更新当前尝试状态，定时器继续计时
func (c *Controller) HandleRinging(ctx context.Context, incidentID, contactID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[incidentID]
	if !ok {
		return false
	}
	if n := len(sess.state.Attempts); n > 0 && sess.state.Attempts[n-1].State == models.AttemptCalling {
		sess.state.Attempts[n-1].State = models.AttemptRinging
	}
	return true
}

// HandleFailed 通道失败回报（来自通信协作方）
// 等价于超时：立即标记失败并推进到下一联系人，而不是等满定时器
func (c *Controller) HandleFailed(ctx context.Context, incidentID, contactID string) bool {
	c.mu.Lock()
	sess, ok := c.sessions[incidentID]
	if !ok {
		c.mu.Unlock()
		return false
	}

	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	sess.gen++

	now := time.Now()
	if n := len(sess.state.Attempts); n > 0 {
		sess.state.Attempts[n-1].State = models.AttemptFailed
		sess.state.Attempts[n-1].EndedAt = &now
	}
	sess.state.Index++

	c.logger.Warn("Contact channel failed, advancing",
		zap.String("incident_id", incidentID),
		zap.String("contact_id", contactID),
	)

	req, gen := c.dialLocked(sess)
	snapshot := sess.state
	stillLive := !sess.state.Exhausted
	c.mu.Unlock()

	if stillLive {
		c.saveState(ctx, &snapshot)
	}
	c.emitDispatch(ctx, req, gen)
	return true
}

// dialLocked 选定当前联系人、登记尝试并启动超时定时器（调用方持锁）
// 返回待发出的拨打请求及其定时器代数；联系人用尽时进入终态并返回 nil。
// 拨打请求本身由调用方在锁外通过 emitDispatch 发出：
// 出站发布是网络操作，持锁发布会阻塞其他会话的接通/失败回报
func (c *Controller) dialLocked(sess *liveSession) (*models.DispatchRequest, int) {
	if sess.state.Index >= len(sess.state.Contacts) {
		c.exhaustLocked(sess)
		return nil, 0
	}

	contact := sess.state.Contacts[sess.state.Index]
	attemptIndex := sess.state.Index
	sess.state.Attempts = append(sess.state.Attempts, models.ContactAttempt{
		ContactID: contact.ID,
		State:     models.AttemptCalling,
		StartedAt: time.Now(),
	})

	sess.gen++
	gen := sess.gen
	incidentID := sess.state.IncidentID
	sess.timer = time.AfterFunc(c.timeout, func() {
		c.onTimeout(incidentID, gen)
	})

	return &models.DispatchRequest{
		IncidentID:    incidentID,
		ContactID:     contact.ID,
		Channel:       preferredChannel(&contact),
		EmergencyType: sess.state.Category,
		Severity:      sess.severity,
		AttemptIndex:  attemptIndex,
	}, gen
}

// emitDispatch 在锁外发出拨打请求
// 通道错误等价于超时：重新持锁标记失败并推进到下一联系人；
// 代数校验保证不与期间已触发的定时器或接通回报重复推进
func (c *Controller) emitDispatch(ctx context.Context, req *models.DispatchRequest, gen int) {
	for req != nil {
		err := c.dispatcher.Dispatch(ctx, *req)
		if err == nil {
			c.logger.Info("Dialing emergency contact",
				zap.String("incident_id", req.IncidentID),
				zap.String("contact_id", req.ContactID),
				zap.Int("attempt_index", req.AttemptIndex),
			)
			return
		}

		c.logger.Error("Dispatch failed, advancing to next contact",
			zap.String("incident_id", req.IncidentID),
			zap.String("contact_id", req.ContactID),
			zap.Error(err),
		)

		c.mu.Lock()
		sess, ok := c.sessions[req.IncidentID]
		if !ok || sess.gen != gen {
			// 会话已解决/已清理，或定时器/回报已抢先推进
			c.mu.Unlock()
			return
		}
		if sess.timer != nil {
			sess.timer.Stop()
			sess.timer = nil
		}
		now := time.Now()
		if n := len(sess.state.Attempts); n > 0 {
			sess.state.Attempts[n-1].State = models.AttemptFailed
			sess.state.Attempts[n-1].EndedAt = &now
		}
		sess.state.Index++

		req, gen = c.dialLocked(sess)
		snapshot := sess.state
		stillLive := !sess.state.Exhausted
		c.mu.Unlock()

		if stillLive {
			c.saveState(ctx, &snapshot)
		}
	}
}

// onTimeout 超时推进：标记当前尝试超时，拨打下一联系人
func (c *Controller) onTimeout(incidentID string, gen int) {
	ctx := context.Background()

	c.mu.Lock()
	sess, ok := c.sessions[incidentID]
	if !ok || sess.gen != gen {
		// 会话已解决/已清理，或定时器已被新的拨打取代
		c.mu.Unlock()
		return
	}

	now := time.Now()
	if n := len(sess.state.Attempts); n > 0 {
		sess.state.Attempts[n-1].State = models.AttemptTimedOut
		sess.state.Attempts[n-1].EndedAt = &now
	}
	sess.state.Index++

	c.logger.Warn("Contact timed out, advancing",
		zap.String("incident_id", incidentID),
		zap.Int("next_index", sess.state.Index),
	)

	req, gen := c.dialLocked(sess)
	snapshot := sess.state
	stillLive := !sess.state.Exhausted
	c.mu.Unlock()

	if stillLive {
		c.saveState(ctx, &snapshot)
	}
	c.emitDispatch(ctx, req, gen)
}

// exhaustLocked 联系人用尽：进入终态并发出未解决事件（调用方持锁）
func (c *Controller) exhaustLocked(sess *liveSession) {
	sess.state.Exhausted = true
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	sess.gen++
	delete(c.sessions, sess.state.IncidentID)
	snapshot := sess.state

	c.logger.Error("Escalation exhausted, emergency unresolved",
		zap.String("incident_id", snapshot.IncidentID),
		zap.Int("attempts", len(snapshot.Attempts)),
	)

	// 终态事件必须且只发一次，在独立 goroutine 中锁外发出
	go func() {
		c.saveState(context.Background(), &snapshot)
		if c.OnUnresolved != nil {
			c.OnUnresolved(&snapshot)
		}
	}()
}

// orderContacts 按类别联系人链排序：先按链中类型顺序，同类型内按优先级升序
func (c *Controller) orderContacts(category models.SignalCategory) []models.EmergencyContact {
	chain := c.chainFn(category)

	var ordered []models.EmergencyContact
	for _, contactType := range chain {
		var group []models.EmergencyContact
		for _, contact := range c.contacts {
			if contact.Type == contactType {
				group = append(group, contact)
			}
		}
		// 同类型内按优先级升序（稳定，配置顺序兜底）
		for i := 1; i < len(group); i++ {
			for j := i; j > 0 && group[j].Priority < group[j-1].Priority; j-- {
				group[j], group[j-1] = group[j-1], group[j]
			}
		}
		ordered = append(ordered, group...)
	}
	return ordered
}

// saveState 镜像会话状态到 Redis（失败只记日志，不影响升级流程）
func (c *Controller) saveState(ctx context.Context, session *models.EscalationSession) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(ctx, session); err != nil {
		c.logger.Error("Failed to mirror session state",
			zap.String("incident_id", session.IncidentID),
			zap.Error(err),
		)
	}
}

// preferredChannel 选择联系人的首选通道（语音优先）
func preferredChannel(contact *models.EmergencyContact) string {
	switch {
	case contact.Channels.Voice:
		return "voice"
	case contact.Channels.SMS:
		return "sms"
	case contact.Channels.Email:
		return "email"
	default:
		return "voice"
	}
}

func contactIDs(contacts []models.EmergencyContact) []string {
	ids := make([]string, 0, len(contacts))
	for _, c := range contacts {
		ids = append(ids, c.ID)
	}
	return ids
}
