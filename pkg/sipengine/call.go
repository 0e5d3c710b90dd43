package sipengine

import (
	"context"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/voice_bridge/pkg/voice"
)

var _ voice.CallHandle = (*sipCall)(nil)

// sipCall - состояние одного SIP-диалога.
//
// Поля диалога (теги, CSeq, remote target) мутируются из горутин движка
// под его мьютексом; наружу виден только идентификатор.
type sipCall struct {
	id        voice.CallID
	direction voice.Direction

	sipCallID string
	localTag  string
	remoteTag string

	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri

	cseq  uint32
	muted bool

	// диалог подтвержден (2xx + ACK)
	established bool
	// локально отправлен CANCEL; финальный 487 не считается отказом
	cancelled bool

	// исходный INVITE для ACK и CANCEL (только UAC)
	inviteReq *sip.Request
}

// ID возвращает сквозной идентификатор вызова.
func (c *sipCall) ID() voice.CallID {
	return c.id
}

// ConnectOutbound начинает исходящий вызов: INVITE с SDP-оффером.
// Ответы обрабатываются асинхронно и приходят колбэками обработчика.
func (e *Engine) ConnectOutbound(credential, destination string, params map[string]string) (voice.CallHandle, error) {
	target, err := e.destinationURI(destination)
	if err != nil {
		return nil, err
	}

	offer, err := marshalSessionDescription(
		buildSessionDescription(e.cfg.MediaHost, e.cfg.MediaPort, false))
	if err != nil {
		return nil, err
	}

	id := voice.NewCallID()
	localTag := newTag()
	localURI := sip.Uri{Scheme: "sip", User: e.cfg.User, Host: e.cfg.Domain}

	req := sip.NewRequest(sip.INVITE, target)
	callID := sip.CallIDHeader(id.String())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{
		Address: localURI,
		Params:  sip.HeaderParams{"tag": localTag},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: target,
		Params:  sip.NewParams(),
	})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	contact := e.contact
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader(headerCallSid, id.String()))
	req.AppendHeader(sip.NewHeader("X-Access-Token", credential))
	for key, value := range params {
		req.AppendHeader(sip.NewHeader("X-Param-"+key, value))
	}
	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	tx, err := e.client.TransactionRequest(context.Background(), req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send INVITE")
	}

	call := &sipCall{
		id:           id,
		direction:    voice.DirectionOutgoing,
		sipCallID:    id.String(),
		localTag:     localTag,
		localURI:     localURI,
		remoteURI:    target,
		remoteTarget: target,
		cseq:         1,
		inviteReq:    req,
	}
	e.storeCall(call)

	e.log.Info("Engine.ConnectOutbound INVITE sent",
		slog.String("callID", id.String()),
		slog.String("to", destination))

	go e.consumeInviteResponses(call, tx)

	return call, nil
}

// consumeInviteResponses читает ответы на исходящий INVITE.
func (e *Engine) consumeInviteResponses(call *sipCall, tx sip.ClientTransaction) {
	defer tx.Terminate()

	ringingReported := false
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				e.outboundFailed(call, "transaction closed")
				return
			}
			switch {
			case res.StatusCode < 200:
				if !ringingReported && res.StatusCode >= sip.StatusRinging {
					ringingReported = true
					e.handler().HandleRinging(call.id)
				}
			case res.StatusCode < 300:
				e.completeOutbound(call, res)
				return
			default:
				e.outboundFailed(call,
					errors.Errorf("%d %s", res.StatusCode, res.Reason).Error())
				return
			}
		case <-tx.Done():
			reason := "transaction terminated"
			if err := tx.Err(); err != nil {
				reason = err.Error()
			}
			e.outboundFailed(call, reason)
			return
		}
	}
}

// completeOutbound фиксирует установленный исходящий диалог и шлет ACK.
func (e *Engine) completeOutbound(call *sipCall, res *sip.Response) {
	e.mu.Lock()
	if to := res.To(); to != nil {
		call.remoteTag = to.Params["tag"]
	}
	if contact := res.Contact(); contact != nil {
		call.remoteTarget = contact.Address
	}
	call.established = true
	e.mu.Unlock()

	ack := buildAckRequest(call.inviteReq, res)
	if err := e.client.WriteRequest(ack); err != nil {
		e.log.Error("Engine.completeOutbound ACK failed",
			slog.String("callID", call.id.String()),
			slog.String("error", err.Error()))
		e.outboundFailed(call, "ack failed: "+err.Error())
		return
	}

	e.log.Info("Engine.completeOutbound call established",
		slog.String("callID", call.id.String()))
	e.handler().HandleConnected(call.id)
}

// outboundFailed завершает неудавшийся исходящий вызов.
// Локально отмененный INVITE завершается как disconnect, а не как отказ.
func (e *Engine) outboundFailed(call *sipCall, reason string) {
	e.mu.Lock()
	cancelled := call.cancelled
	e.mu.Unlock()
	e.removeCall(call.id)

	if cancelled {
		e.handler().HandleDisconnected(call.id, "")
		return
	}
	e.log.Info("Engine.outboundFailed",
		slog.String("callID", call.id.String()),
		slog.String("reason", reason))
	e.handler().HandleFailedToConnect(call.id, reason)
}

// AcceptInvite принимает входящий INVITE: 200 OK с SDP-ответом.
// Установление подтверждается ACK вызывающей стороны.
func (e *Engine) AcceptInvite(invite voice.CallInvite) (voice.CallHandle, error) {
	inb := e.takeInvite(invite.ID)
	if inb == nil {
		return nil, errors.Errorf("no pending invite: %s", invite.ID)
	}

	answer, err := marshalSessionDescription(
		buildSessionDescription(e.cfg.MediaHost, e.cfg.MediaPort, false))
	if err != nil {
		// возвращаем invite обратно: прием можно повторить
		e.mu.Lock()
		e.invites[inb.id] = inb
		e.mu.Unlock()
		return nil, err
	}

	localTag := newTag()
	res := sip.NewResponseFromRequest(inb.req, sip.StatusOK, "OK", answer)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params["tag"] = localTag
	}
	contact := e.contact
	res.AppendHeader(&contact)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	if err := inb.tx.Respond(res); err != nil {
		e.mu.Lock()
		e.invites[inb.id] = inb
		e.mu.Unlock()
		return nil, errors.Wrap(err, "failed to respond 200 OK")
	}

	call := &sipCall{
		id:        invite.ID,
		direction: voice.DirectionIncoming,
		sipCallID: inb.req.CallID().Value(),
		localTag:  localTag,
		remoteTag: inb.req.From().Params["tag"],
		localURI:  sip.Uri{Scheme: "sip", User: e.cfg.User, Host: e.cfg.Domain},
		remoteURI: inb.req.From().Address,
	}
	call.remoteTarget = call.remoteURI
	if contact := inb.req.Contact(); contact != nil {
		call.remoteTarget = contact.Address
	}
	if cseq := inb.req.CSeq(); cseq != nil {
		call.cseq = cseq.SeqNo
	}
	e.storeCall(call)

	e.log.Info("Engine.AcceptInvite accepted",
		slog.String("callID", invite.ID.String()))
	return call, nil
}

// RejectInvite отклоняет входящий INVITE ответом 486 Busy Here.
// Уже отсутствующий invite (отмененный удаленной стороной) - no-op.
func (e *Engine) RejectInvite(invite voice.CallInvite) error {
	inb := e.takeInvite(invite.ID)
	if inb == nil {
		return nil
	}

	res := sip.NewResponseFromRequest(inb.req, sip.StatusBusyHere, "Busy Here", nil)
	if err := inb.tx.Respond(res); err != nil {
		return errors.Wrap(err, "failed to respond 486")
	}

	e.log.Info("Engine.RejectInvite rejected",
		slog.String("callID", invite.ID.String()))
	return nil
}

// Disconnect завершает вызов: BYE для установленного диалога,
// CANCEL для еще не отвеченного исходящего INVITE.
// Подтверждение приходит колбэком HandleDisconnected.
func (e *Engine) Disconnect(handle voice.CallHandle) error {
	if handle == nil {
		return errors.New("nil call handle")
	}
	call := e.lookupCall(handle.ID())
	if call == nil {
		return errors.Errorf("unknown call: %s", handle.ID())
	}

	e.mu.Lock()
	established := call.established
	cancelled := call.cancelled
	e.mu.Unlock()

	if !established && call.direction == voice.DirectionOutgoing {
		if cancelled {
			return nil
		}
		return e.cancelOutbound(call)
	}

	bye := e.buildInDialogRequest(call, sip.BYE)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TxTimeout)
		defer cancel()

		tx, err := e.client.TransactionRequest(ctx, bye)
		if err != nil {
			e.log.Warn("Engine.Disconnect BYE send failed",
				slog.String("callID", call.id.String()),
				slog.String("error", err.Error()))
		} else {
			defer tx.Terminate()
			if _, err := e.waitFinal(ctx, tx); err != nil {
				e.log.Debug("Engine.Disconnect BYE response",
					slog.String("error", err.Error()))
			}
		}

		// диалог завершен независимо от исхода BYE-транзакции
		e.removeCall(call.id)
		e.handler().HandleDisconnected(call.id, "")
	}()

	return nil
}

// cancelOutbound отменяет исходящий INVITE, еще не получивший ответа.
// Финальный 487 обработает горутина ответов и завершит вызов.
func (e *Engine) cancelOutbound(call *sipCall) error {
	e.mu.Lock()
	call.cancelled = true
	e.mu.Unlock()

	cancelReq := sip.NewRequest(sip.CANCEL, call.remoteURI)
	callID := sip.CallIDHeader(call.sipCallID)
	cancelReq.AppendHeader(&callID)
	cancelReq.AppendHeader(&sip.FromHeader{
		Address: call.localURI,
		Params:  sip.HeaderParams{"tag": call.localTag},
	})
	cancelReq.AppendHeader(&sip.ToHeader{
		Address: call.remoteURI,
		Params:  sip.NewParams(),
	})
	// CANCEL повторяет CSeq номера исходного INVITE
	cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.CANCEL})
	cancelReq.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TxTimeout)
	tx, err := e.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to send CANCEL")
	}

	go func() {
		defer cancel()
		defer tx.Terminate()
		if _, err := e.waitFinal(ctx, tx); err != nil {
			e.log.Debug("Engine.cancelOutbound CANCEL response",
				slog.String("error", err.Error()))
		}
	}()

	e.log.Info("Engine.cancelOutbound CANCEL sent",
		slog.String("callID", call.id.String()))
	return nil
}

// SetMuted переключает mute через re-INVITE со сменой направления SDP.
func (e *Engine) SetMuted(handle voice.CallHandle, muted bool) error {
	if handle == nil {
		return errors.New("nil call handle")
	}
	call := e.lookupCall(handle.ID())
	if call == nil {
		return errors.Errorf("unknown call: %s", handle.ID())
	}

	e.mu.Lock()
	established := call.established
	e.mu.Unlock()

	if !established {
		// диалог еще не подтвержден; направление применится при установлении
		e.mu.Lock()
		call.muted = muted
		e.mu.Unlock()
		return nil
	}

	body, err := marshalSessionDescription(
		buildSessionDescription(e.cfg.MediaHost, e.cfg.MediaPort, muted))
	if err != nil {
		return err
	}

	reinvite := e.buildInDialogRequest(call, sip.INVITE)
	reinvite.SetBody(body)
	reinvite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TxTimeout)
	tx, err := e.client.TransactionRequest(ctx, reinvite)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to send re-INVITE")
	}

	e.mu.Lock()
	call.muted = muted
	e.mu.Unlock()

	go func() {
		defer cancel()
		defer tx.Terminate()
		res, err := e.waitFinal(ctx, tx)
		if err != nil {
			e.log.Warn("Engine.SetMuted re-INVITE failed",
				slog.String("callID", call.id.String()),
				slog.String("error", err.Error()))
			return
		}
		if res.StatusCode >= 300 {
			e.log.Warn("Engine.SetMuted re-INVITE rejected",
				slog.String("callID", call.id.String()),
				slog.Int("status", int(res.StatusCode)))
			return
		}
		ack := buildAckRequest(reinvite, res)
		if err := e.client.WriteRequest(ack); err != nil {
			e.log.Debug("Engine.SetMuted ACK failed",
				slog.String("error", err.Error()))
		}
	}()

	return nil
}

// buildAckRequest строит ACK на 2xx-ответ по RFC 3261 §13.2.2.4:
// Call-ID, From и CSeq берутся из INVITE, To (с тегом) из ответа,
// получатель - Contact ответа, иначе Request-URI INVITE.
func buildAckRequest(invite *sip.Request, res *sip.Response) *sip.Request {
	recipient := &invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = &contact.Address
	}
	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = invite.SipVersion

	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, ack)
	}
	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	ack.CSeq().MethodName = sip.ACK

	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	if h := invite.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(invite.Transport())
	ack.SetSource(invite.Source())
	return ack
}

// buildInDialogRequest строит запрос внутри установленного диалога.
func (e *Engine) buildInDialogRequest(call *sipCall, method sip.RequestMethod) *sip.Request {
	e.mu.Lock()
	call.cseq++
	cseq := call.cseq
	target := call.remoteTarget
	remoteURI := call.remoteURI
	localURI := call.localURI
	localTag := call.localTag
	remoteTag := call.remoteTag
	sipCallID := call.sipCallID
	e.mu.Unlock()

	req := sip.NewRequest(method, target)
	callID := sip.CallIDHeader(sipCallID)
	req.AppendHeader(&callID)

	fromParams := sip.HeaderParams{"tag": localTag}
	toParams := sip.NewParams()
	if remoteTag != "" {
		toParams = sip.HeaderParams{"tag": remoteTag}
	}
	req.AppendHeader(&sip.FromHeader{Address: localURI, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: remoteURI, Params: toParams})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	contact := e.contact
	req.AppendHeader(&contact)
	return req
}
