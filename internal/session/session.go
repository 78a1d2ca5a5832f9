// Package session tracks which relay node each peer is connected to, their
// online status and active call, and stores display profiles. State lives in
// Redis so every relay node sees the same presence.
package session
