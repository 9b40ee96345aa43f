package supervisor

import (
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/store"
)

// Permission is one flag in the role permission matrix.
type Permission string

const (
	PermSpawn     Permission = "spawn"
	PermDismiss   Permission = "dismiss"
	PermAssign    Permission = "assign"
	PermBroadcast Permission = "broadcast"
	PermMerge     Permission = "merge"
	PermPush      Permission = "push"
	PermReadAll   Permission = "readAll"
	PermNotify    Permission = "notify"
)

// rolePerms is the authoritative permission matrix. Every role can
// notify; only the coordinator can do everything.
var rolePerms = map[store.Role]map[Permission]bool{
	store.RoleCoordinator: {
		PermSpawn: true, PermDismiss: true, PermAssign: true, PermBroadcast: true,
		PermMerge: true, PermPush: true, PermReadAll: true, PermNotify: true,
	},
	store.RoleWorker: {PermNotify: true},
	store.RoleScout:  {PermReadAll: true, PermNotify: true},
	store.RoleOracle: {PermReadAll: true, PermNotify: true},
	store.RoleCritic: {PermReadAll: true, PermNotify: true},
	store.RoleArchitect: {
		PermAssign: true, PermReadAll: true, PermNotify: true,
	},
	store.RoleMerger: {
		PermMerge: true, PermPush: true, PermReadAll: true, PermNotify: true,
	},
	store.RoleMonitor: {
		PermBroadcast: true, PermReadAll: true, PermNotify: true,
	},
	store.RoleNotifier: {PermNotify: true},
	store.RoleKraken:   {PermNotify: true},
}

// RoleHas reports whether a role carries a permission.
func RoleHas(role store.Role, perm Permission) bool {
	return rolePerms[role][perm]
}

// checkPermission gates a worker-initiated operation. An empty caller
// is the operator acting through the HTTP API and is never restricted.
func (s *Supervisor) checkPermission(caller string, perm Permission) error {
	if caller == "" {
		return nil
	}
	s.mu.Lock()
	lw, ok := s.workers[caller]
	s.mu.Unlock()
	if !ok {
		return fault.New(fault.KindNotFound, "caller %q is not a live worker", caller)
	}
	if !RoleHas(lw.rec.Role, perm) {
		return fault.New(fault.KindForbidden, "role %s lacks %s", lw.rec.Role, perm)
	}
	return nil
}
