// Package service 组装守护决策引擎
//
// GuardService 把各组件接成完整管线：
// MQTT 入站（语音/位置/请求/拨打回报）→ 信号评分 / 围栏监视 → 策略评估
// → 远程校验 → 决策融合 → 优先级路由 → 升级控制 / 决策发布，
// 审计摘要落库 PostgreSQL，出站通信请求发布到 Redis Streams。
//
// 紧急输入（求救信号、围栏告警）的关键路径有延迟预算，超过预算记录警告。
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"wisefido-guard/internal/common/mqttutil"
	"wisefido-guard/internal/config"
	"wisefido-guard/internal/consumer"
	"wisefido-guard/internal/dispatch"
	"wisefido-guard/internal/escalation"
	"wisefido-guard/internal/fusion"
	"wisefido-guard/internal/geofence"
	"wisefido-guard/internal/models"
	"wisefido-guard/internal/policy"
	"wisefido-guard/internal/repository"
	"wisefido-guard/internal/router"
	"wisefido-guard/internal/signal"
	"wisefido-guard/internal/validator"
)

// GuardService 守护决策服务
type GuardService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttutil.Client

	pack       *config.GuardPack
	scorer     *signal.Scorer
	monitor    *geofence.Monitor
	evaluator  *policy.Evaluator
	fusion     *fusion.Fusion
	validator  *validator.Client
	escalation *escalation.Controller
	router     *router.Router

	guardEventsRepo *repository.GuardEventsRepository
	incidentsRepo   *repository.IncidentsRepository

	consumer *consumer.GuardConsumer

	budget time.Duration

	// 事件合并：同一家庭同时最多一个活跃 incident，重复紧急信号并入现有会话
	mu              sync.Mutex
	activeIncidents map[string]string // home_id -> incident_id
	incidentHomes   map[string]string // incident_id -> home_id

	routerCancel context.CancelFunc
	routerDone   chan struct{}
}

// NewGuardService 创建守护决策服务
func NewGuardService(cfg *config.Config, logger *zap.Logger) (*GuardService, error) {
	// 初始化数据库连接
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 初始化Redis客户端
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// 初始化MQTT客户端
	mqttClient, err := mqttutil.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT client: %w", err)
	}

	// 加载守护规则包（校验失败视为致命错误）
	pack, err := config.LoadPack(cfg.Guard.PackPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load guard pack: %w", err)
	}

	logger.Info("Guard pack loaded",
		zap.String("version", pack.Version),
		zap.Int("rules", len(pack.Rules)),
		zap.Int("device_fences", len(pack.DeviceFences)),
		zap.Int("geofences", len(pack.GeoFences)),
		zap.Int("contacts", len(pack.Contacts)),
	)

	s := &GuardService{
		config:          cfg,
		logger:          logger,
		db:              db,
		redisClient:     redisClient,
		mqttClient:      mqttClient,
		pack:            pack,
		budget:          time.Duration(cfg.Guard.BudgetMS) * time.Millisecond,
		activeIncidents: make(map[string]string),
		incidentHomes:   make(map[string]string),
	}

	s.scorer = signal.NewScorer(signal.Options{
		EmitThreshold:    pack.Acoustic.EmitThreshold,
		HighEnergy:       pack.Acoustic.HighEnergy,
		HighPitchVar:     pack.Acoustic.HighPitchVar,
		FastSpeakingRate: pack.Acoustic.FastSpeakingRate,
		HighBreathRatio:  pack.Acoustic.HighBreathRatio,
	}, logger)

	s.monitor = geofence.NewMonitor(pack.GeoFences, geofence.Options{
		HistorySize:    pack.Geofence.HistorySize,
		NormalSpeedMin: pack.Geofence.NormalSpeedMin,
		NormalSpeedMax: pack.Geofence.NormalSpeedMax,
		ChurnWindow:    pack.Geofence.ChurnWindow,
		ChurnThreshold: pack.Geofence.ChurnThreshold,
		MaxDwell:       time.Duration(pack.Geofence.MaxDwellSeconds) * time.Second,
	}, logger)

	limiter := policy.NewSlidingWindowLimiter(
		time.Duration(pack.RateLimit.WindowSeconds)*time.Second,
		pack.RateLimit.MaxPerWindow,
		pack.RateLimit.Overrides,
	)
	s.evaluator = policy.NewEvaluator(pack.Rules, pack.DeviceFences, limiter, s.scorer, logger)

	s.fusion = fusion.NewFusion(pack.Fusion.LocalWeight, pack.Fusion.RemoteWeight, logger)
	s.validator = validator.NewClient(
		cfg.Guard.Validator.URL,
		time.Duration(cfg.Guard.Validator.TimeoutMS)*time.Millisecond,
		logger,
	)

	sessionStore := escalation.NewSessionStore(
		redisClient,
		cfg.Guard.Cache.SessionKeyPrefix,
		time.Duration(cfg.Guard.Cache.SessionTTL)*time.Second,
		logger,
	)
	dispatcher := dispatch.NewStreamDispatcher(
		redisClient,
		cfg.Guard.Streams.Dispatch,
		cfg.Guard.Streams.Notify,
		logger,
	)
	s.escalation = escalation.NewController(
		pack.Contacts,
		pack.ChainFor,
		time.Duration(pack.Escalation.TimeoutSeconds)*time.Second,
		dispatcher,
		sessionStore,
		logger,
	)
	s.escalation.OnResolved = s.finishIncident
	s.escalation.OnUnresolved = s.finishIncident

	s.router = router.NewRouter(cfg.Guard.QueueCapacity, s, logger)

	s.guardEventsRepo = repository.NewGuardEventsRepository(db, logger)
	s.incidentsRepo = repository.NewIncidentsRepository(db, logger)

	s.consumer = consumer.NewGuardConsumer(cfg, mqttClient, s, logger)

	return s, nil
}

// Start 启动服务（阻塞直到 ctx 取消）
func (s *GuardService) Start(ctx context.Context) error {
	s.logger.Info("Guard service starting",
		zap.String("home_id", s.config.Guard.HomeID),
		zap.Duration("budget", s.budget),
	)

	routerCtx, cancel := context.WithCancel(context.Background())
	s.routerCancel = cancel
	s.routerDone = make(chan struct{})
	go func() {
		defer close(s.routerDone)
		s.router.Run(routerCtx)
	}()

	return s.consumer.Start(ctx)
}

// Stop 停止服务：先停入站消费，再排空路由器，最后关闭连接
func (s *GuardService) Stop(ctx context.Context) error {
	s.logger.Info("Guard service stopping")

	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Error("Failed to stop consumer", zap.Error(err))
	}

	if s.routerCancel != nil {
		s.routerCancel()
		select {
		case <-s.routerDone:
		case <-time.After(5 * time.Second):
			s.logger.Warn("Router did not drain in time")
		}
	}

	s.escalation.Stop()
	s.mqttClient.Disconnect()

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close Redis client", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}

	s.logger.Info("Guard service stopped")
	return nil
}

// HandleSpeech 处理语音事件：求救评分 → 紧急管线或日常转发
func (s *GuardService) HandleSpeech(ctx context.Context, homeID string, sc *models.SignalContext) {
	start := time.Now()

	// 位置随语音一起上报时先更新围栏状态，让本次评估拿到最新区域
	if sc != nil && sc.Location != nil {
		s.observeLocation(homeID, *sc.Location, start)
	}

	event := s.scorer.Score(sc, start)
	if event == nil {
		// 无求救信号：作为日常条目转发会话路径
		item := router.NewItem(router.KindRoutine, 0)
		item.HomeID = homeID
		s.router.Push(item)
		return
	}

	var acoustic *models.AcousticFeatures
	if sc != nil {
		acoustic = sc.Acoustic
	}
	req := &models.GuardRequest{
		Intent:       "emergency",
		Urgency:      event.Urgency,
		CategoryHint: models.CategoryEmergency,
	}
	evalCtx := &models.EvalContext{
		EmergencySignal: event,
		Acoustic:        acoustic,
		Zone:            s.monitor.CurrentZone(),
		Source:          "speech",
	}

	local := s.evaluator.Evaluate(req, evalCtx, start)
	merged := s.validateAndFuse(ctx, req, evalCtx, local)
	s.persistAudit(ctx, homeID, merged)

	kind := router.KindImplicit
	if event.AutoDispatch || event.Urgency >= 3 {
		kind = router.KindSOS
	}
	item := router.NewItem(kind, float64(event.Urgency)/4.0)
	item.HomeID = homeID
	item.Signal = event
	item.Decision = merged
	item.Request = req
	s.router.Push(item)

	s.checkBudget("speech", start)
}

// HandleLocation 处理位置更新：异常评分 → 越界/紧急时产生围栏条目
func (s *GuardService) HandleLocation(ctx context.Context, homeID string, pos models.Position) {
	start := time.Now()
	sample, status := s.observeLocation(homeID, pos, start)

	switch status {
	case models.ZoneViolation, models.ZoneEmergency:
		item := router.NewItem(router.KindGeofence, sample.AnomalyScore)
		item.HomeID = homeID
		item.Sample = &sample
		s.router.Push(item)
		s.checkBudget("location", start)
	case models.ZoneWarning:
		// 预警不打断：低优先级转发会话路径，由照护端决定是否跟进
		item := router.NewItem(router.KindGeneral, sample.AnomalyScore)
		item.HomeID = homeID
		item.Sample = &sample
		s.router.Push(item)
	}
}

// HandleRequest 处理结构化意图请求：完整双通道评估管线
func (s *GuardService) HandleRequest(ctx context.Context, homeID string, req *models.GuardRequest, sc *models.SignalContext) {
	start := time.Now()

	var sig *models.SignalEvent
	var acoustic *models.AcousticFeatures
	if sc != nil {
		sig = s.scorer.Score(sc, start)
		acoustic = sc.Acoustic
	}

	evalCtx := &models.EvalContext{
		EmergencySignal: sig,
		Acoustic:        acoustic,
		Zone:            s.monitor.CurrentZone(),
		Source:          "request",
	}

	local := s.evaluator.Evaluate(req, evalCtx, start)
	merged := s.validateAndFuse(ctx, req, evalCtx, local)
	s.persistAudit(ctx, homeID, merged)

	// 决策直接发布给执行方；升级结果另走紧急路径
	s.publishJSON(s.decisionTopic(homeID), merged)

	if merged.Outcome == models.OutcomeEscalate || (merged.Emergency != nil && merged.Emergency.AutoDispatch) {
		severity := 1.0
		if merged.Emergency != nil {
			severity = float64(merged.Emergency.Urgency) / 4.0
		}
		item := router.NewItem(router.KindSOS, severity)
		item.HomeID = homeID
		item.Signal = merged.Emergency
		item.Decision = merged
		item.Request = req
		s.router.Push(item)
	}

	if sig != nil {
		s.checkBudget("request", start)
	}
}

// HandleCallStatus 处理拨打状态回报（接通解决会话，失败立即推进）
func (s *GuardService) HandleCallStatus(ctx context.Context, homeID, incidentID, contactID, status string) {
	switch status {
	case "connected":
		if !s.escalation.HandleConnected(ctx, incidentID, contactID) {
			s.logger.Warn("Call status for unknown session",
				zap.String("incident_id", incidentID),
				zap.String("status", status),
			)
		}
	case "ringing":
		s.escalation.HandleRinging(ctx, incidentID, contactID)
	case "failed":
		s.escalation.HandleFailed(ctx, incidentID, contactID)
	default:
		s.logger.Warn("Unknown call status",
			zap.String("incident_id", incidentID),
			zap.String("status", status),
		)
	}
}

// HandleImmediate 即时处理路径（紧急条目，实现 router.Handler）
func (s *GuardService) HandleImmediate(ctx context.Context, item *router.Item) {
	switch {
	case item.Signal != nil && (item.Signal.AutoDispatch ||
		(item.Decision != nil && item.Decision.Outcome == models.OutcomeEscalate)):
		// 免确认类别或评估结果升级：直接触发联系人升级
		s.triggerEscalation(ctx, item)

	case item.Kind == router.KindGeofence && item.Sample != nil:
		status := geofence.Status(item.Sample.ZoneID, item.Sample.AnomalyScore)
		s.publishJSON(s.alertTopic(item.HomeID), map[string]interface{}{
			"type":          "geofence",
			"zone_id":       item.Sample.ZoneID,
			"status":        string(status),
			"anomaly_score": item.Sample.AnomalyScore,
			"dwell_seconds": int(item.Sample.Dwell.Seconds()),
		})
		// 围栏紧急（越界且高异常）同样触发升级，按意识混乱链联系
		if status == models.ZoneEmergency {
			s.triggerEscalation(ctx, item)
		}

	default:
		// 隐式紧急但非免确认：发确认请求，由语音端向用户求证
		prompt := "need_help_confirmation"
		category := ""
		if item.Signal != nil {
			category = string(item.Signal.Category)
		}
		s.publishJSON(s.confirmTopic(item.HomeID), map[string]interface{}{
			"prompt":   prompt,
			"category": category,
			"severity": item.Severity,
		})
	}
}

// HandleContext 会话/上下文路径（低优先级条目，实现 router.Handler）
func (s *GuardService) HandleContext(ctx context.Context, item *router.Item) {
	payload := map[string]interface{}{
		"kind":           string(item.Kind),
		"recommendation": item.Recommendation,
		"severity":       item.Severity,
	}
	if item.Sample != nil {
		payload["zone_id"] = item.Sample.ZoneID
		payload["anomaly_score"] = item.Sample.AnomalyScore
	}
	s.publishJSON(s.contextTopic(item.HomeID), payload)
}

// validateAndFuse 远程校验 + 决策融合
// 紧急旁路结果跳过远程校验（不值得为它花掉预算）；
// 远端不可用时退回仅用本地决策并记录降级
func (s *GuardService) validateAndFuse(ctx context.Context, req *models.GuardRequest, evalCtx *models.EvalContext, local *models.Decision) *models.Decision {
	if evalCtx.EmergencySignal != nil && evalCtx.EmergencySignal.Urgency >= 3 {
		return local
	}

	remote, err := s.validator.Validate(ctx, req, evalCtx)
	if err != nil {
		s.logger.Warn("Remote validator unavailable, using local decision only",
			zap.Error(err),
		)
		return local
	}

	return s.fusion.Merge(local, remote)
}

// triggerEscalation 触发联系人升级（同一家庭的活跃 incident 被合并）
func (s *GuardService) triggerEscalation(ctx context.Context, item *router.Item) {
	category := models.SignalConfusion // 围栏紧急默认按意识混乱链
	severity := int(item.Severity*4 + 0.5)
	if item.Signal != nil {
		category = item.Signal.Category
		severity = item.Signal.Urgency
	}
	if severity < 1 {
		severity = 1
	}

	s.mu.Lock()
	incidentID, active := s.activeIncidents[item.HomeID]
	if !active {
		incidentID = uuid.New().String()
		s.activeIncidents[item.HomeID] = incidentID
		s.incidentHomes[incidentID] = item.HomeID
	}
	s.mu.Unlock()

	if !active {
		if err := s.incidentsRepo.CreateIncident(ctx, item.HomeID, incidentID, category, severity, time.Now()); err != nil {
			// 落库失败不阻断升级，升级优先于审计
			s.logger.Error("Failed to persist incident",
				zap.String("incident_id", incidentID),
				zap.Error(err),
			)
		}
	}

	s.escalation.Trigger(ctx, incidentID, category, severity)

	s.publishJSON(s.alertTopic(item.HomeID), map[string]interface{}{
		"type":        "escalation",
		"incident_id": incidentID,
		"category":    string(category),
		"severity":    severity,
	})
}

// finishIncident 升级会话终态回调：落库关闭并清理合并状态
func (s *GuardService) finishIncident(session *models.EscalationSession) {
	s.mu.Lock()
	homeID := s.incidentHomes[session.IncidentID]
	delete(s.incidentHomes, session.IncidentID)
	if homeID != "" && s.activeIncidents[homeID] == session.IncidentID {
		delete(s.activeIncidents, homeID)
	}
	s.mu.Unlock()

	if homeID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.incidentsRepo.CloseIncident(ctx, homeID, session); err != nil {
		s.logger.Error("Failed to close incident",
			zap.String("incident_id", session.IncidentID),
			zap.Error(err),
		)
	}

	s.publishJSON(s.incidentTopic(homeID), map[string]interface{}{
		"incident_id": session.IncidentID,
		"resolved":    session.Resolved,
		"exhausted":   session.Exhausted,
		"attempts":    len(session.Attempts),
	})
}

// observeLocation 记录一次位置观测并返回样本与区域状态
func (s *GuardService) observeLocation(homeID string, pos models.Position, now time.Time) (models.GeofenceSample, models.ZoneStatus) {
	sample := s.monitor.Observe(pos, now)
	status := geofence.Status(sample.ZoneID, sample.AnomalyScore)

	// 区域时间规则：敏感时段内已有预警则升格为越界
	if status == models.ZoneWarning {
		if rule := s.monitor.ActiveTimeRule(sample.ZoneID, now); rule != nil && rule.Outcome == models.OutcomeEscalate {
			status = models.ZoneViolation
		}
	}

	if status != models.ZoneSafe {
		s.logger.Info("Zone status degraded",
			zap.String("home_id", homeID),
			zap.String("zone_id", sample.ZoneID),
			zap.String("status", string(status)),
			zap.Float64("anomaly_score", sample.AnomalyScore),
		)
	}
	return sample, status
}

// persistAudit 落库脱敏审计摘要（失败只记日志，不阻断决策返回）
func (s *GuardService) persistAudit(ctx context.Context, homeID string, decision *models.Decision) {
	eventID := uuid.New().String()
	if err := s.guardEventsRepo.CreateGuardEvent(ctx, homeID, eventID, decision); err != nil {
		s.logger.Error("Failed to persist guard event",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
}

// checkBudget 紧急输入的关键路径延迟检查
func (s *GuardService) checkBudget(stage string, start time.Time) {
	elapsed := time.Since(start)
	if elapsed > s.budget {
		s.logger.Warn("Critical path budget exceeded",
			zap.String("stage", stage),
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", s.budget),
		)
	}
}

// publishJSON 发布 JSON 消息到 MQTT（失败只记日志）
func (s *GuardService) publishJSON(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal payload",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}
	if err := s.mqttClient.Publish(topic, s.config.MQTT.QoS, false, data); err != nil {
		s.logger.Error("Failed to publish message",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}

func (s *GuardService) decisionTopic(homeID string) string {
	return fmt.Sprintf("guard/%s/decision", homeID)
}

func (s *GuardService) alertTopic(homeID string) string {
	return fmt.Sprintf("guard/%s/alert", homeID)
}

func (s *GuardService) confirmTopic(homeID string) string {
	return fmt.Sprintf("guard/%s/confirm", homeID)
}

func (s *GuardService) contextTopic(homeID string) string {
	return fmt.Sprintf("guard/%s/context", homeID)
}

func (s *GuardService) incidentTopic(homeID string) string {
	return fmt.Sprintf("guard/%s/incident", homeID)
}
