package models

// StreamEntry - одна запись event-стрима в том виде, в котором её
// отдаёт брокер: ID записи и плоская карта полей.
type StreamEntry struct {
	ID     string
	Values map[string]string
}
