package proto

// StorageCommand is the sum type of commands emitted to a storage
// host. IngestSources and AllowCompaction are stateful (absorbed into
// the RehydratingClient's command log); there are no transient storage
// commands.
type StorageCommand interface {
	isStorageCommand()
}

// IngestSources instructs the storage host to begin (or continue, on
// rehydration) ingesting the given sources.
type IngestSources struct {
	Specs []IngestionSpec
}

func (IngestSources) isStorageCommand() {}

// AllowCompaction instructs the storage host that it may compact each
// named collection up to the given frontier. An empty frontier means
// the collection is closed and its spec may be dropped.
type AllowCompaction struct {
	Frontiers []CollectionFrontierUpdate
}

func (AllowCompaction) isStorageCommand() {}

// StorageResponse is the sum type of responses consumed from a storage
// host.
type StorageResponse interface {
	isStorageResponse()
}

// FrontierUppers reports advances of the storage host's local write
// frontier for each of the given collections.
type FrontierUppers struct {
	Updates []CollectionFrontierUpdate
}

func (FrontierUppers) isStorageResponse() {}

// LinearizedTimestamps reports binding feedback used to linearize
// reads against writes.
type LinearizedTimestamps struct {
	BindingFeedback uint64
}

func (LinearizedTimestamps) isStorageResponse() {}
