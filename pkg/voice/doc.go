// Package voice реализует координацию телефонной сессии одного устройства.
//
// Пакет сводит три независимых источника событий — push-доставку входящих
// вызовов, действия нативного UI звонка и колбэки движка вызовов — в одну
// сериализованную машину состояний. Все события, независимо от источника,
// проходят через единственную горутину координатора, поэтому применение
// таблицы переходов атомарно относительно чтений и записей реестра.
//
// Основные компоненты:
//   - Порты (ports.go) — чистые контракты к push-источнику, UI-провайдеру
//     и движку вызовов; реализации живут в отдельных пакетах-адаптерах.
//   - Нормализатор (events.go) — отображает сырые колбэки портов в закрытый
//     словарь событий сессии.
//   - Реестр (registry.go) — слот «не более одного» для ожидающего invite
//     и активной сессии.
//   - Координатор (coordinator.go) — применяет таблицу переходов, мутирует
//     реестр и отдает команды портам.
//   - Издатель (publisher.go) — синхронная рассылка lifecycle-событий
//     подписчикам в порядке, в котором их произвел координатор.
//
// Пример использования:
//
//	coord, err := voice.NewCoordinator(&voice.Config{
//		UIProvider: ui,
//		Engine:     engine,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	go coord.Run(ctx)
//
//	detach := coord.Events().Attach(func(ev voice.LifecycleEvent) {
//		log.Printf("call %s: %s", ev.CallID, ev.State)
//	})
//	defer detach()
//
//	if err := coord.Register(accessToken); err != nil { ... }
//	if err := coord.Dial("+15551234567", nil); err != nil { ... }
package voice
