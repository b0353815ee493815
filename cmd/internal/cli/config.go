package cli

import "flag"

// RuntimeConfig captures CLI flag inputs shared across binaries.
type RuntimeConfig struct {
	DBPath     string
	AssetDir   string
	DeviceID   string
	ServerURL  string
	AuthToken  string
	InviteBase string
	ShareKey   string
	Verbose    bool
}

// BindFlags attaches shared flags to provided FlagSet.
func (rc *RuntimeConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&rc.DBPath, "db", rc.DBPath, "path to local SQLite store")
	fs.StringVar(&rc.AssetDir, "assets", rc.AssetDir, "directory for binary assets")
	fs.StringVar(&rc.DeviceID, "device", rc.DeviceID, "stable device identifier")
	fs.StringVar(&rc.ServerURL, "server", rc.ServerURL, "sync server base URL")
	fs.StringVar(&rc.AuthToken, "token", rc.AuthToken, "bearer token")
	fs.StringVar(&rc.InviteBase, "invite-base", rc.InviteBase, "base URL for share invite links")
	fs.StringVar(&rc.ShareKey, "share-key", rc.ShareKey, "HMAC key for share invite claims")
	fs.BoolVar(&rc.Verbose, "v", rc.Verbose, "verbose logging")
}
