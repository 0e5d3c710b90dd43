// Package sipengine реализует движок вызовов поверх SIP (sipgo).
//
// Движок закрывает собой всю SIP-сигнализацию: регистрацию, исходящие и
// входящие INVITE, BYE/CANCEL и re-INVITE для mute. Наружу отдается только
// узкий контракт движка вызовов; все колбэки уходят в обработчик и
// сериализуются уже на его стороне.
package sipengine

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/voice_bridge/pkg/voice"
)

var _ voice.CallEngine = (*Engine)(nil)

// Заголовок корреляции: push-уведомление и SIP INVITE несут один
// идентификатор вызова.
const headerCallSid = "X-CallSid"

// inboundInvite - входящий INVITE, еще не принятый и не отклоненный.
type inboundInvite struct {
	id  voice.CallID
	req *sip.Request
	tx  sip.ServerTransaction
}

// Engine - движок вызовов поверх SIP.
type Engine struct {
	cfg *Config
	log *slog.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	contact sip.ContactHeader

	mu       sync.Mutex
	handlerF voice.EngineHandler
	calls    map[voice.CallID]*sipCall
	invites  map[voice.CallID]*inboundInvite
	closed   bool
}

// New создает движок. Обработчик устанавливается отдельно через
// SetHandler, запуск - через Start.
func New(cfg *Config, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid engine config")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		cfg:     cfg,
		log:     logger,
		calls:   make(map[voice.CallID]*sipCall),
		invites: make(map[voice.CallID]*inboundInvite),
	}, nil
}

// SetHandler устанавливает получателя колбэков движка.
// Должен быть вызван до Start.
func (e *Engine) SetHandler(h voice.EngineHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlerF = h
}

func (e *Engine) handler() voice.EngineHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlerF == nil {
		return nopHandler{}
	}
	return e.handlerF
}

// Start создает sipgo-компоненты и запускает прослушивание.
func (e *Engine) Start(ctx context.Context) error {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(e.cfg.UserAgent),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create UA")
	}
	e.ua = ua

	e.server, err = sipgo.NewServer(ua)
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	e.client, err = sipgo.NewClient(ua)
	if err != nil {
		return errors.Wrap(err, "failed to create client")
	}

	e.contact = sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   e.cfg.User,
			Host:   e.cfg.ListenHost,
			Port:   e.cfg.ListenPort,
		},
	}

	e.server.OnInvite(e.onInvite)
	e.server.OnAck(e.onAck)
	e.server.OnBye(e.onBye)
	e.server.OnCancel(e.onCancel)

	listenAddr := e.cfg.ListenAddress()
	e.log.Info("Engine.Start listening",
		slog.String("transport", e.cfg.Transport),
		slog.String("address", listenAddr))

	go func() {
		if err := e.server.ListenAndServe(ctx, e.cfg.Transport, listenAddr); err != nil {
			e.log.Error("Engine SIP server stopped",
				slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Close останавливает движок и освобождает ресурсы.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.server != nil {
		if err := e.server.Close(); err != nil {
			return errors.Wrap(err, "failed to close server")
		}
	}
	if e.client != nil {
		if err := e.client.Close(); err != nil {
			return errors.Wrap(err, "failed to close client")
		}
	}
	if e.ua != nil {
		if err := e.ua.Close(); err != nil {
			return errors.Wrap(err, "failed to close UA")
		}
	}
	return nil
}

// Register отправляет REGISTER регистратору. Токены передаются
// в заголовках, чтобы регистратор мог привязать устройство к push-каналу.
func (e *Engine) Register(credential, token string) error {
	target, err := e.registrarURI()
	if err != nil {
		return err
	}

	aor := sip.Uri{Scheme: "sip", User: e.cfg.User, Host: e.cfg.Domain}

	req := sip.NewRequest(sip.REGISTER, target)
	req.AppendHeader(&sip.FromHeader{
		Address: aor,
		Params:  sip.HeaderParams{"tag": newTag()},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: aor,
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	contact := e.contact
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(e.cfg.RegisterExpires)))
	req.AppendHeader(sip.NewHeader("X-Access-Token", credential))
	req.AppendHeader(sip.NewHeader("X-Push-Token", token))

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TxTimeout)
	defer cancel()

	tx, err := e.client.TransactionRequest(ctx, req)
	if err != nil {
		return errors.Wrap(err, "failed to send REGISTER")
	}
	defer tx.Terminate()

	res, err := e.waitFinal(ctx, tx)
	if err != nil {
		return errors.Wrap(err, "REGISTER transaction failed")
	}
	if res.StatusCode != sip.StatusOK {
		return errors.Errorf("registration rejected: %d %s", res.StatusCode, res.Reason)
	}

	e.log.Info("Engine.Register registered",
		slog.String("registrar", e.cfg.Registrar),
		slog.String("user", e.cfg.User))
	return nil
}

// waitFinal дожидается финального ответа клиентской транзакции.
func (e *Engine) waitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, errors.New("transaction closed")
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction terminated")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// registrarURI разбирает адрес регистратора в SIP URI.
func (e *Engine) registrarURI() (sip.Uri, error) {
	host, portStr, err := net.SplitHostPort(e.cfg.Registrar)
	if err != nil {
		// адрес без порта
		return sip.Uri{Scheme: "sip", Host: e.cfg.Registrar, Port: 5060}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return sip.Uri{}, errors.Errorf("invalid registrar port: %s", portStr)
	}
	return sip.Uri{Scheme: "sip", Host: host, Port: port}, nil
}

// destinationURI строит URI получателя: полный SIP URI используется как
// есть, голое имя дополняется доменом.
func (e *Engine) destinationURI(destination string) (sip.Uri, error) {
	if strings.HasPrefix(destination, "sip:") || strings.HasPrefix(destination, "sips:") || strings.Contains(destination, "@") {
		var target sip.Uri
		if err := sip.ParseUri(destination, &target); err != nil {
			return sip.Uri{}, errors.Wrap(err, "invalid destination URI")
		}
		return target, nil
	}
	return sip.Uri{Scheme: "sip", User: destination, Host: e.cfg.Domain}, nil
}

// --- Входящие запросы ---

func (e *Engine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := req.CallID().Value()

	// re-INVITE внутри существующего диалога: подтверждаем свой SDP
	if call := e.findByCallID(sipCallID); call != nil {
		answer, err := marshalSessionDescription(
			buildSessionDescription(e.cfg.MediaHost, e.cfg.MediaPort, call.muted))
		if err != nil {
			e.log.Error("Engine.onInvite re-INVITE answer failed",
				slog.String("error", err.Error()))
			resp := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
			if err := tx.Respond(resp); err != nil {
				e.log.Debug("Engine.onInvite respond failed", slog.String("error", err.Error()))
			}
			return
		}
		resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
		resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		if err := tx.Respond(resp); err != nil {
			e.log.Debug("Engine.onInvite re-INVITE respond failed",
				slog.String("error", err.Error()))
		}
		return
	}

	id := inviteID(req)

	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		e.log.Warn("Engine.onInvite ringing respond failed",
			slog.String("error", err.Error()))
		return
	}

	e.mu.Lock()
	e.invites[id] = &inboundInvite{id: id, req: req, tx: tx}
	e.mu.Unlock()

	invite := voice.CallInvite{
		ID:         id,
		From:       addressUser(req.From().Address),
		To:         addressUser(req.To().Address),
		ReceivedAt: time.Now(),
	}
	e.log.Info("Engine.onInvite inbound call",
		slog.String("callID", id.String()),
		slog.String("from", invite.From))
	e.handler().HandleInviteReceived(invite)
}

func (e *Engine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		e.log.Debug("Engine.onCancel respond failed", slog.String("error", err.Error()))
	}

	inb := e.takeInviteByCallID(req.CallID().Value())
	if inb == nil {
		return
	}

	terminated := sip.NewResponseFromRequest(inb.req, sip.StatusRequestTerminated, "Request Terminated", nil)
	if err := inb.tx.Respond(terminated); err != nil {
		e.log.Debug("Engine.onCancel terminate respond failed",
			slog.String("error", err.Error()))
	}

	e.log.Info("Engine.onCancel invite cancelled",
		slog.String("callID", inb.id.String()))
	e.handler().HandleInviteCancelled(inb.id, "cancelled by remote party")
}

func (e *Engine) onAck(req *sip.Request, _ sip.ServerTransaction) {
	call := e.findByCallID(req.CallID().Value())
	if call == nil {
		return
	}

	e.mu.Lock()
	alreadyEstablished := call.established
	if !alreadyEstablished {
		call.established = true
	}
	e.mu.Unlock()

	if !alreadyEstablished && call.direction == voice.DirectionIncoming {
		e.handler().HandleConnected(call.id)
	}
}

func (e *Engine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		e.log.Debug("Engine.onBye respond failed", slog.String("error", err.Error()))
	}

	call := e.takeByCallID(req.CallID().Value())
	if call == nil {
		return
	}

	e.log.Info("Engine.onBye remote hangup",
		slog.String("callID", call.id.String()))
	e.handler().HandleDisconnected(call.id, "")
}

// --- Учет вызовов и invite ---

func (e *Engine) storeCall(call *sipCall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[call.id] = call
}

func (e *Engine) removeCall(id voice.CallID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.calls, id)
}

func (e *Engine) lookupCall(id voice.CallID) *sipCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func (e *Engine) findByCallID(sipCallID string) *sipCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, call := range e.calls {
		if call.sipCallID == sipCallID {
			return call
		}
	}
	return nil
}

func (e *Engine) takeByCallID(sipCallID string) *sipCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, call := range e.calls {
		if call.sipCallID == sipCallID {
			delete(e.calls, id)
			return call
		}
	}
	return nil
}

func (e *Engine) takeInvite(id voice.CallID) *inboundInvite {
	e.mu.Lock()
	defer e.mu.Unlock()
	inb, ok := e.invites[id]
	if !ok {
		return nil
	}
	delete(e.invites, id)
	return inb
}

func (e *Engine) takeInviteByCallID(sipCallID string) *inboundInvite {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, inb := range e.invites {
		if inb.req.CallID().Value() == sipCallID {
			delete(e.invites, id)
			return inb
		}
	}
	return nil
}

// inviteID извлекает сквозной идентификатор вызова из INVITE.
// При отсутствии заголовка корреляции используется SIP Call-ID.
func inviteID(req *sip.Request) voice.CallID {
	if h := req.GetHeader(headerCallSid); h != nil && h.Value() != "" {
		return voice.CallID(h.Value())
	}
	return voice.CallID(req.CallID().Value())
}

// addressUser возвращает пользовательскую часть URI, либо весь URI,
// если пользовательская часть пуста.
func addressUser(uri sip.Uri) string {
	if uri.User != "" {
		return uri.User
	}
	return uri.String()
}

// newTag генерирует тег для From/To.
func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// nopHandler поглощает колбэки до установки настоящего обработчика.
type nopHandler struct{}

func (nopHandler) HandleRinging(voice.CallID)                 {}
func (nopHandler) HandleConnected(voice.CallID)               {}
func (nopHandler) HandleReconnecting(voice.CallID)            {}
func (nopHandler) HandleReconnected(voice.CallID)             {}
func (nopHandler) HandleDisconnected(voice.CallID, string)    {}
func (nopHandler) HandleFailedToConnect(voice.CallID, string) {}
func (nopHandler) HandleInviteReceived(voice.CallInvite)      {}
func (nopHandler) HandleInviteCancelled(voice.CallID, string) {}
