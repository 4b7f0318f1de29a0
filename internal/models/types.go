package models

// BackendType identifies one supported download backend implementation
type BackendType string

const (
	BackendQBittorrent  BackendType = "qbittorrent"
	BackendTransmission BackendType = "transmission"
	BackendSABnzbd      BackendType = "sabnzbd"
	BackendNZBGet       BackendType = "nzbget"
	BackendTorBox       BackendType = "torbox"
)

// Protocol represents the transfer protocol family of a resource
type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
	ProtocolUnknown Protocol = "unknown"
)

// ProtocolFor returns the protocol family served by a backend type.
// TorBox accepts plain HTTP links as well, so it matches any protocol.
func ProtocolFor(t BackendType) Protocol {
	switch t {
	case BackendQBittorrent, BackendTransmission:
		return ProtocolTorrent
	case BackendSABnzbd, BackendNZBGet:
		return ProtocolUsenet
	default:
		return ProtocolUnknown
	}
}

// DownloadState represents the live state of an item inside a backend
type DownloadState string

const (
	StateDownloading DownloadState = "downloading"
	StateSeeding     DownloadState = "seeding"
	StateChecking    DownloadState = "checking"
	StatePaused      DownloadState = "paused"
	StateCompleted   DownloadState = "completed"
	StateError       DownloadState = "error"
	StateUnknown     DownloadState = "unknown"
	StateMissing     DownloadState = "missing"
)

// Terminal reports whether a state ends the tracked lifecycle of a download
func (s DownloadState) Terminal() bool {
	return s == StateCompleted || s == StateError
}
