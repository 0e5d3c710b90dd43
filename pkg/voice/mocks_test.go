package voice

import (
	"sync"

	"github.com/pkg/errors"
)

// Ручные фейки портов для тестов координатора.
// Все фейки потокобезопасны: колбэки приходят из горутины координатора,
// а проверки выполняются из горутины теста.

type fakeHandle struct {
	id CallID
}

func (h *fakeHandle) ID() CallID { return h.id }

type registerCall struct {
	credential string
	token      string
}

type connectCall struct {
	credential  string
	destination string
	params      map[string]string
}

type muteCall struct {
	id    CallID
	muted bool
}

type fakeEngine struct {
	mu sync.Mutex

	registerCalls   []registerCall
	connectCalls    []connectCall
	acceptCalls     []CallInvite
	rejectCalls     []CallInvite
	disconnectCalls []CallID
	muteCalls       []muteCall

	registerErr   error
	connectErr    error
	acceptErr     error
	rejectErr     error
	disconnectErr error
	muteErr       error

	// идентификатор, выдаваемый следующему исходящему вызову
	nextID CallID
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{nextID: "out-1"}
}

func (e *fakeEngine) Register(credential, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registerCalls = append(e.registerCalls, registerCall{credential: credential, token: token})
	return e.registerErr
}

func (e *fakeEngine) ConnectOutbound(credential, destination string, params map[string]string) (CallHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectCalls = append(e.connectCalls, connectCall{credential: credential, destination: destination, params: params})
	if e.connectErr != nil {
		return nil, e.connectErr
	}
	return &fakeHandle{id: e.nextID}, nil
}

func (e *fakeEngine) AcceptInvite(invite CallInvite) (CallHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acceptCalls = append(e.acceptCalls, invite)
	if e.acceptErr != nil {
		return nil, e.acceptErr
	}
	return &fakeHandle{id: invite.ID}, nil
}

func (e *fakeEngine) RejectInvite(invite CallInvite) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejectCalls = append(e.rejectCalls, invite)
	return e.rejectErr
}

func (e *fakeEngine) Disconnect(handle CallHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if handle == nil {
		return errors.New("nil handle")
	}
	e.disconnectCalls = append(e.disconnectCalls, handle.ID())
	return e.disconnectErr
}

func (e *fakeEngine) SetMuted(handle CallHandle, muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muteCalls = append(e.muteCalls, muteCall{id: handle.ID(), muted: muted})
	return e.muteErr
}

func (e *fakeEngine) rejected() []CallInvite {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CallInvite, len(e.rejectCalls))
	copy(out, e.rejectCalls)
	return out
}

func (e *fakeEngine) accepted() []CallInvite {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CallInvite, len(e.acceptCalls))
	copy(out, e.acceptCalls)
	return out
}

func (e *fakeEngine) disconnected() []CallID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CallID, len(e.disconnectCalls))
	copy(out, e.disconnectCalls)
	return out
}

func (e *fakeEngine) muted() []muteCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]muteCall, len(e.muteCalls))
	copy(out, e.muteCalls)
	return out
}

func (e *fakeEngine) registered() []registerCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]registerCall, len(e.registerCalls))
	copy(out, e.registerCalls)
	return out
}

func (e *fakeEngine) connected() []connectCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]connectCall, len(e.connectCalls))
	copy(out, e.connectCalls)
	return out
}

type incomingReport struct {
	id     CallID
	remote string
}

type endedReport struct {
	id     CallID
	reason EndReason
}

type fakeUI struct {
	mu sync.Mutex

	incomingCalls []incomingReport
	endedCalls    []endedReport
	resetCount    int

	reportIncomingErr error
}

func newFakeUI() *fakeUI {
	return &fakeUI{}
}

func (u *fakeUI) ReportIncoming(id CallID, remote string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.incomingCalls = append(u.incomingCalls, incomingReport{id: id, remote: remote})
	return u.reportIncomingErr
}

func (u *fakeUI) ReportEnded(id CallID, reason EndReason) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.endedCalls = append(u.endedCalls, endedReport{id: id, reason: reason})
}

func (u *fakeUI) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetCount++
}

func (u *fakeUI) incoming() []incomingReport {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]incomingReport, len(u.incomingCalls))
	copy(out, u.incomingCalls)
	return out
}

func (u *fakeUI) ended() []endedReport {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]endedReport, len(u.endedCalls))
	copy(out, u.endedCalls)
	return out
}

type fakeAudio struct {
	mu    sync.Mutex
	calls []bool
	err   error
}

func (a *fakeAudio) SetSpeaker(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, on)
	return a.err
}

func (a *fakeAudio) speakerCalls() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]bool, len(a.calls))
	copy(out, a.calls)
	return out
}

// eventRecorder собирает опубликованные lifecycle-события.
type eventRecorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *eventRecorder) record(ev LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LifecycleEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) states() []LifecycleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LifecycleState, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.State)
	}
	return out
}
