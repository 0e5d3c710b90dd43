package voice

import (
	"sync"
)

// LifecycleState - состояние вызова в событии для приложения.
type LifecycleState string

const (
	LifecycleRinging      LifecycleState = "ringing"
	LifecycleConnecting   LifecycleState = "connecting"
	LifecycleConnected    LifecycleState = "connected"
	LifecycleDisconnected LifecycleState = "disconnected"
	LifecycleFailed       LifecycleState = "failed"
)

// LifecycleEvent - событие жизненного цикла вызова, рассылаемое приложению.
type LifecycleEvent struct {
	State     LifecycleState `json:"state"`
	Direction Direction      `json:"direction"`
	CallID    CallID         `json:"callSid"`
	Remote    string         `json:"remote,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Subscriber принимает события жизненного цикла.
type Subscriber func(LifecycleEvent)

// Publisher рассылает события координатора подписчикам.
//
// Доставка синхронна относительно порядка координатора: события приходят
// ровно в том порядке, в котором координатор их произвел. Буферизации и
// replay нет — если в момент публикации подписчик не подключен, событие
// молча пропадает.
type Publisher struct {
	mu   sync.Mutex
	next int
	subs []subscription
}

type subscription struct {
	id int
	fn Subscriber
}

// NewPublisher создает издателя без подписчиков.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Attach подключает подписчика и возвращает функцию отключения.
// Повторный вызов функции отключения безопасен.
func (p *Publisher) Attach(fn Subscriber) (detach func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.next
	p.next++
	p.subs = append(p.subs, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for i, s := range p.subs {
				if s.id == id {
					p.subs = append(p.subs[:i], p.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// publish синхронно доставляет событие всем текущим подписчикам
// в порядке подключения. Вызывается только из горутины координатора.
func (p *Publisher) publish(ev LifecycleEvent) {
	p.mu.Lock()
	subs := make([]subscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
