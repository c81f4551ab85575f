package inspect

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// tcpListen is TCP_LISTEN from the kernel's tcp_states.h.
const tcpListen = 10

// NetlinkTable reads listening sockets through the sock_diag netlink family,
// which needs no privilege.
type NetlinkTable struct{}

func (NetlinkTable) Listening() ([]Socket, error) {
	var sockets []Socket
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		resps, err := netlink.SocketDiagTCPInfo(family)
		if err != nil {
			return nil, fmt.Errorf("sock_diag family %d: %w", family, err)
		}
		for _, r := range resps {
			s := r.InetDiagMsg
			if s == nil || s.State != tcpListen {
				continue
			}
			sockets = append(sockets, Socket{
				Port:  int(s.ID.SourcePort),
				Inode: s.INode,
				UID:   s.UID,
			})
		}
	}
	return sockets, nil
}

// unitSocketInodes returns the socket inodes held open by the unit's
// processes. It returns nil when the processes' descriptors cannot be read,
// which is the normal case for services owned by another user.
func (i *Inspector) unitSocketInodes(state UnitState) map[uint32]bool {
	pids := i.unitPIDs(state)
	if len(pids) == 0 {
		return nil
	}
	inodes := make(map[uint32]bool)
	for _, pid := range pids {
		fdDir := filepath.Join(i.procRoot, strconv.Itoa(pid), "fd")
		entries, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			target, err := os.Readlink(filepath.Join(fdDir, e.Name()))
			if err != nil {
				continue
			}
			if inode, ok := parseSocketLink(target); ok {
				inodes[inode] = true
			}
		}
	}
	return inodes
}

func (i *Inspector) unitPIDs(state UnitState) []int {
	var pids []int
	if state.ControlGroup != "" {
		f, err := os.Open(filepath.Join(i.cgroupRoot, state.ControlGroup, "cgroup.procs"))
		if err == nil {
			defer f.Close()
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				if pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text())); err == nil {
					pids = append(pids, pid)
				}
			}
		}
	}
	if len(pids) == 0 && state.MainPID != 0 {
		pids = append(pids, int(state.MainPID))
	}
	return pids
}

// parseSocketLink extracts the inode from a "socket:[12345]" fd link.
func parseSocketLink(target string) (uint32, bool) {
	if !strings.HasPrefix(target, "socket:[") || !strings.HasSuffix(target, "]") {
		return 0, false
	}
	n, err := strconv.ParseUint(target[len("socket:["):len(target)-1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
