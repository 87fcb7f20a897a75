package signalling

import (
	"crypto/subtle"
	"log/slog"
	"net/netip"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/config"
)

type AuthHandler struct {
	config func() *config.AppConfig
}

func NewAuthHandler(cfg func() *config.AppConfig) *AuthHandler {
	return &AuthHandler{config: cfg}
}

// CheckRoomCredential accepts everything when no room credential is configured.
func (h *AuthHandler) CheckRoomCredential(credential string) bool {
	expected := h.config().Security.RoomCredential
	return expected == nil || subtle.ConstantTimeCompare([]byte(*expected), []byte(credential)) == 1
}

func (h *AuthHandler) CheckAdmin(user, pass string) bool {
	expected := h.config().Security.AdminCredential
	if expected == nil {
		return true
	}
	return user == "admin" && subtle.ConstantTimeCompare([]byte(*expected), []byte(pass)) == 1
}

func (h *AuthHandler) IsAdminIP(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		addrPort, err := netip.ParseAddrPort(addr)
		if err != nil {
			slog.Error("failed to parse IP address", "addr", addr, "error", err)
			return false
		}
		ip = addrPort.Addr()
	}
	ip = ip.Unmap()

	for _, n := range h.config().Security.AdminsRawNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
