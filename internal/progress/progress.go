// Package progress publishes per-account backup progress through a
// one-way observer interface: the engine emits snapshots, subscribers
// never call back into the engine outside its public operations.
package progress

import "sync"

// Status is the current phase of a backup run.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusConnecting  Status = "connecting"
	StatusListing     Status = "listing"
	StatusScanning    Status = "scanning"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Snapshot is an immutable view of one account's backup progress at a
// point in time.
type Snapshot struct {
	AccountID        string
	Status           Status
	FoldersProcessed int
	FoldersTotal     int
	EmailsDownloaded int
	EmailsTotal      int
	BytesDownloaded  uint64
	CurrentFolder    string
	Errors           []string
}

// Observer receives progress snapshots. Implementations must not block
// for long and must not call back into the publishing pipeline.
type Observer interface {
	OnProgress(Snapshot)
}

// ObserverFunc adapts a plain function to an Observer.
type ObserverFunc func(Snapshot)

// OnProgress implements Observer.
func (f ObserverFunc) OnProgress(s Snapshot) { f(s) }

// Publisher fans a single account's snapshots out to any number of
// subscribed observers, serializing publication so observers see a
// consistent, non-interleaved sequence of snapshots.
type Publisher struct {
	mu        sync.Mutex
	observers []Observer
	current   Snapshot
	deliver   sync.Mutex // held while a snapshot is delivered to observers
}

// NewPublisher creates a publisher for one account, starting idle.
func NewPublisher(accountID string) *Publisher {
	return &Publisher{
		current: Snapshot{AccountID: accountID, Status: StatusIdle},
	}
}

// Subscribe registers an observer. Subscribing does not replay history;
// the observer receives the publisher's current snapshot immediately so
// it starts from a consistent view.
func (p *Publisher) Subscribe(o Observer) {
	p.deliver.Lock()
	defer p.deliver.Unlock()
	p.mu.Lock()
	p.observers = append(p.observers, o)
	snap := p.current
	p.mu.Unlock()
	o.OnProgress(snap)
}

// Current returns the most recently published snapshot.
func (p *Publisher) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Publish updates the publisher's snapshot via mutate and broadcasts the
// result to all subscribed observers.
func (p *Publisher) Publish(mutate func(*Snapshot)) {
	p.deliver.Lock()
	defer p.deliver.Unlock()
	p.mu.Lock()
	mutate(&p.current)
	snap := p.current
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	for _, o := range observers {
		o.OnProgress(snap)
	}
}

// SetStatus publishes a status transition.
func (p *Publisher) SetStatus(status Status) {
	p.Publish(func(s *Snapshot) { s.Status = status })
}

// SetFolderTotals publishes the total folder count once listing completes.
func (p *Publisher) SetFolderTotals(total int) {
	p.Publish(func(s *Snapshot) { s.FoldersTotal = total })
}

// EnterFolder publishes the name of the folder currently being processed
// and the email total discovered for it via UID search.
func (p *Publisher) EnterFolder(name string, emailsTotal int) {
	p.Publish(func(s *Snapshot) {
		s.CurrentFolder = name
		s.EmailsTotal = emailsTotal
	})
}

// RecordDownload publishes one more downloaded message's contribution.
func (p *Publisher) RecordDownload(bytes uint64) {
	p.Publish(func(s *Snapshot) {
		s.EmailsDownloaded++
		s.BytesDownloaded += bytes
	})
}

// FinishFolder publishes completion of the current folder.
func (p *Publisher) FinishFolder() {
	p.Publish(func(s *Snapshot) { s.FoldersProcessed++ })
}

// RecordError appends a per-message or per-folder error to the running
// error list without changing status.
func (p *Publisher) RecordError(msg string) {
	p.Publish(func(s *Snapshot) { s.Errors = append(s.Errors, msg) })
}
