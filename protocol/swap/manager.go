package swap

import (
	"errors"
	"sync"
	"time"

	"github.com/ChainSafe/chaindb"

	"github.com/noot/xmrswap/common/types"
	"github.com/noot/xmrswap/db"
)

var errNoSwapWithID = errors.New("unable to find swap with given ID")

// Manager tracks current and past swaps.
type Manager interface {
	AddSwap(info *Info) error
	WriteSwapToDB(info *Info) error
	GetPastIDs() ([]types.SwapID, error)
	GetPastSwap(types.SwapID) (*Info, error)
	GetOngoingSwap(types.SwapID) (Info, error)
	GetOngoingSwaps() ([]*Info, error)
	CompleteOngoingSwap(info *Info) error
	HasOngoingSwap(types.SwapID) bool
}

// manager implements Manager. Ongoing swaps are always fully populated in
// memory; past swaps are cached lazily as they're completed or looked up.
type manager struct {
	db db.Database
	sync.RWMutex
	ongoing map[types.SwapID]*Info
	past    map[types.SwapID]*Info
}

var _ Manager = (*manager)(nil)

// NewManager returns a new Manager backed by db, loading all ongoing swaps
// into memory on construction.
func NewManager(database db.Database) (Manager, error) {
	ongoing := make(map[types.SwapID]*Info)

	stored, err := database.GetAllSwaps()
	if err != nil {
		return nil, err
	}

	for _, s := range stored {
		if !s.Status.IsOngoing() {
			continue
		}
		ongoing[s.SwapID] = s
	}

	return &manager{
		db:      database,
		ongoing: ongoing,
		past:    make(map[types.SwapID]*Info),
	}, nil
}

// AddSwap adds a new swap to the manager and persists it.
func (m *manager) AddSwap(info *Info) error {
	m.Lock()
	defer m.Unlock()

	if info.Status.IsOngoing() {
		m.ongoing[info.SwapID] = info
	} else {
		m.past[info.SwapID] = info
	}

	return m.db.PutSwap(info)
}

// WriteSwapToDB persists the current state of info without changing the
// manager's in-memory bookkeeping, used after every state transition for
// crash safety (spec.md §4.8's persist-before-yield discipline).
func (m *manager) WriteSwapToDB(info *Info) error {
	return m.db.PutSwap(info)
}

// GetPastIDs returns all past swap IDs.
func (m *manager) GetPastIDs() ([]types.SwapID, error) {
	m.RLock()
	defer m.RUnlock()

	ids := make(map[types.SwapID]struct{})
	for id := range m.past {
		ids[id] = struct{}{}
	}

	stored, err := m.db.GetAllSwaps()
	if err != nil {
		return nil, err
	}
	for _, s := range stored {
		if s.Status.IsOngoing() {
			continue
		}
		ids[s.SwapID] = struct{}{}
	}

	idArr := make([]types.SwapID, 0, len(ids))
	for id := range ids {
		idArr = append(idArr, id)
	}
	return idArr, nil
}

// GetPastSwap returns a completed swap's Info given its ID.
func (m *manager) GetPastSwap(id types.SwapID) (*Info, error) {
	m.RLock()
	s, has := m.past[id]
	m.RUnlock()
	if has {
		return s, nil
	}

	s, err := m.getSwapFromDB(id)
	if err != nil {
		return nil, err
	}

	m.Lock()
	m.past[s.SwapID] = s
	m.Unlock()
	return s, nil
}

// GetOngoingSwap returns the ongoing swap's Info, if there is one.
func (m *manager) GetOngoingSwap(id types.SwapID) (Info, error) {
	m.RLock()
	defer m.RUnlock()
	s, has := m.ongoing[id]
	if !has {
		return Info{}, errNoSwapWithID
	}
	return *s, nil
}

// GetOngoingSwaps returns all ongoing swaps.
func (m *manager) GetOngoingSwaps() ([]*Info, error) {
	m.RLock()
	defer m.RUnlock()

	swaps := make([]*Info, 0, len(m.ongoing))
	for _, s := range m.ongoing {
		sCopy := new(Info)
		*sCopy = *s
		swaps = append(swaps, sCopy)
	}
	return swaps, nil
}

// CompleteOngoingSwap marks an ongoing swap as completed and moves it into
// the past-swaps set.
func (m *manager) CompleteOngoingSwap(info *Info) error {
	m.Lock()
	defer m.Unlock()

	if _, has := m.ongoing[info.SwapID]; !has {
		return errNoSwapWithID
	}

	now := time.Now()
	info.EndTime = &now
	info.Resume = nil // no longer resumable once terminal; drop the key material

	m.past[info.SwapID] = info
	delete(m.ongoing, info.SwapID)

	return m.db.PutSwap(info)
}

// HasOngoingSwap returns true if the given ID is an ongoing swap.
func (m *manager) HasOngoingSwap(id types.SwapID) bool {
	m.RLock()
	defer m.RUnlock()
	_, has := m.ongoing[id]
	return has
}

func (m *manager) getSwapFromDB(id types.SwapID) (*Info, error) {
	s, err := m.db.GetSwap(id)
	if errors.Is(err, chaindb.ErrKeyNotFound) {
		return nil, errNoSwapWithID
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
