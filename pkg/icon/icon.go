package icon

import _ "embed"

// Logo is the map pin shown in the tray
//go:embed assets/logo.ico
var Logo []byte

// EditConfigIcon is the cog icon in the edit config menu option
//go:embed assets/edit-config.ico
var EditConfigIcon []byte

// GrantIcon is the check mark in the grant location access menu option
//go:embed assets/grant.ico
var GrantIcon []byte

// RevokeIcon is the cross in the revoke location access menu option
//go:embed assets/revoke.ico
var RevokeIcon []byte
