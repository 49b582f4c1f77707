package planboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/internal/reconcile"
	"github.com/wonny/usef/backend/pkg/database"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on the planboard schema. Inside a
// transaction PTU states are read with SELECT ... FOR UPDATE so writers of
// the same (period, index, group) serialize while other keys proceed.
// ⭐ SSOT: planboard tables are only touched here
type PostgresStore struct {
	db   *database.DB
	q    querier
	inTx bool
}

// NewPostgresStore creates a store on the pool of db
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db.Pool}
}

// InTx runs fn in a database transaction, joining an outer one if present
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&PostgresStore{db: s.db, q: tx, inTx: true})
	})
}

func day(d ptu.Date) time.Time {
	return d.In(time.UTC)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ============================================================================
// PTU containers and states
// ============================================================================

func (s *PostgresStore) FindOrCreatePtuContainer(ctx context.Context, period ptu.Date, index int) (contracts.PtuContainer, error) {
	if index < 1 {
		return contracts.PtuContainer{}, fmt.Errorf("ptu index %d out of range", index)
	}

	query := `
		INSERT INTO planboard.ptu_container (period, ptu_index)
		VALUES ($1, $2)
		ON CONFLICT (period, ptu_index) DO NOTHING
	`
	if _, err := s.q.Exec(ctx, query, day(period), index); err != nil {
		return contracts.PtuContainer{}, fmt.Errorf("find or create ptu container: %w", err)
	}
	return contracts.PtuContainer{Period: period, Index: index}, nil
}

func (s *PostgresStore) FindOrCreatePtuState(ctx context.Context, container contracts.PtuContainer, groupID string) (*contracts.PtuState, error) {
	if _, err := s.FindOrCreatePtuContainer(ctx, container.Period, container.Index); err != nil {
		return nil, err
	}

	insert := `
		INSERT INTO planboard.ptu_state (period, ptu_index, connection_group, phase, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (period, ptu_index, connection_group) DO NOTHING
	`
	if _, err := s.q.Exec(ctx, insert, day(container.Period), container.Index, groupID, contracts.PhasePlanNew); err != nil {
		return nil, fmt.Errorf("create ptu state: %w", err)
	}

	query := `
		SELECT phase, updated_at
		FROM planboard.ptu_state
		WHERE period = $1 AND ptu_index = $2 AND connection_group = $3
	`
	if s.inTx {
		query += " FOR UPDATE"
	}

	state := &contracts.PtuState{Container: container, ConnectionGroupID: groupID}
	if err := s.q.QueryRow(ctx, query, day(container.Period), container.Index, groupID).Scan(&state.Phase, &state.UpdatedAt); err != nil {
		return nil, fmt.Errorf("load ptu state: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) FindOrCreatePtuStates(ctx context.Context, groupID string, period ptu.Date, ptusPerDay int) ([]*contracts.PtuState, error) {
	containers := `
		INSERT INTO planboard.ptu_container (period, ptu_index)
		SELECT $1, generate_series(1, $2)
		ON CONFLICT (period, ptu_index) DO NOTHING
	`
	if _, err := s.q.Exec(ctx, containers, day(period), ptusPerDay); err != nil {
		return nil, fmt.Errorf("create ptu containers: %w", err)
	}

	states := `
		INSERT INTO planboard.ptu_state (period, ptu_index, connection_group, phase, updated_at)
		SELECT $1, generate_series(1, $2), $3, $4, NOW()
		ON CONFLICT (period, ptu_index, connection_group) DO NOTHING
	`
	if _, err := s.q.Exec(ctx, states, day(period), ptusPerDay, groupID, contracts.PhasePlanNew); err != nil {
		return nil, fmt.Errorf("create ptu states: %w", err)
	}

	query := `
		SELECT ptu_index, phase, updated_at
		FROM planboard.ptu_state
		WHERE period = $1 AND connection_group = $2 AND ptu_index <= $3
		ORDER BY ptu_index
	`
	if s.inTx {
		query += " FOR UPDATE"
	}
	return s.scanStates(ctx, query, period, groupID, day(period), groupID, ptusPerDay)
}

func (s *PostgresStore) FindPtuStates(ctx context.Context, period ptu.Date, groupID string) ([]*contracts.PtuState, error) {
	query := `
		SELECT ptu_index, phase, updated_at, connection_group
		FROM planboard.ptu_state
		WHERE period = $1 AND ($2 = '' OR connection_group = $2)
		ORDER BY connection_group, ptu_index
	`
	rows, err := s.q.Query(ctx, query, day(period), groupID)
	if err != nil {
		return nil, fmt.Errorf("find ptu states: %w", err)
	}
	defer rows.Close()

	var out []*contracts.PtuState
	for rows.Next() {
		st := &contracts.PtuState{Container: contracts.PtuContainer{Period: period}}
		if err := rows.Scan(&st.Container.Index, &st.Phase, &st.UpdatedAt, &st.ConnectionGroupID); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) scanStates(ctx context.Context, query string, period ptu.Date, groupID string, args ...any) ([]*contracts.PtuState, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load ptu states: %w", err)
	}
	defer rows.Close()

	var out []*contracts.PtuState
	for rows.Next() {
		st := &contracts.PtuState{Container: contracts.PtuContainer{Period: period}, ConnectionGroupID: groupID}
		if err := rows.Scan(&st.Container.Index, &st.Phase, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePtuState(ctx context.Context, state *contracts.PtuState) error {
	query := `
		UPDATE planboard.ptu_state
		SET phase = $4, updated_at = NOW()
		WHERE period = $1 AND ptu_index = $2 AND connection_group = $3
	`
	tag, err := s.q.Exec(ctx, query, day(state.Container.Period), state.Container.Index, state.ConnectionGroupID, state.Phase)
	if err != nil {
		return fmt.Errorf("update ptu state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ptu state %s/%d/%s: %w", state.Container.Period, state.Container.Index, state.ConnectionGroupID, contracts.ErrNotFound)
	}
	return nil
}

// ============================================================================
// Planboard messages
// ============================================================================

const messageColumns = `id, document_type, sequence, origin_sequence, status, participant_domain,
		period, connection_group, expiration_date, delivery_error, created_at, updated_at`

func scanMessage(row pgx.Row) (*contracts.PlanboardMessage, error) {
	var (
		m      contracts.PlanboardMessage
		period time.Time
	)
	if err := row.Scan(
		&m.ID, &m.DocumentType, &m.Sequence, &m.OriginSequence, &m.Status, &m.ParticipantDomain,
		&period, &m.ConnectionGroupID, &m.ExpirationDate, &m.DeliveryError, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.Period = ptu.DateOf(period)
	return &m, nil
}

func (s *PostgresStore) StorePlanboardMessage(ctx context.Context, msg *contracts.PlanboardMessage) error {
	query := `
		INSERT INTO planboard.planboard_message (
			document_type, sequence, origin_sequence, status, participant_domain,
			period, connection_group, expiration_date, delivery_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`
	err := s.q.QueryRow(ctx, query,
		msg.DocumentType, msg.Sequence, msg.OriginSequence, msg.Status, msg.ParticipantDomain,
		day(msg.Period), msg.ConnectionGroupID, msg.ExpirationDate, msg.DeliveryError,
	).Scan(&msg.ID, &msg.CreatedAt, &msg.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("planboard message %s/%d/%s: %w", msg.DocumentType, msg.Sequence, msg.ParticipantDomain, contracts.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("store planboard message: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePlanboardMessage(ctx context.Context, msg *contracts.PlanboardMessage) error {
	query := `
		UPDATE planboard.planboard_message
		SET status = $4, origin_sequence = $5, expiration_date = $6, delivery_error = $7,
			connection_group = $8, updated_at = NOW()
		WHERE document_type = $1 AND sequence = $2 AND participant_domain = $3
		RETURNING id, updated_at
	`
	err := s.q.QueryRow(ctx, query,
		msg.DocumentType, msg.Sequence, msg.ParticipantDomain,
		msg.Status, msg.OriginSequence, msg.ExpirationDate, msg.DeliveryError, msg.ConnectionGroupID,
	).Scan(&msg.ID, &msg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("planboard message %d: %w", msg.Sequence, contracts.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update planboard message: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindSinglePlanboardMessage(ctx context.Context, sequence int64, documentType contracts.DocumentType, participantDomain string) (*contracts.PlanboardMessage, error) {
	query := `SELECT ` + messageColumns + `
		FROM planboard.planboard_message
		WHERE document_type = $1 AND sequence = $2 AND participant_domain = $3
	`
	m, err := scanMessage(s.q.QueryRow(ctx, query, documentType, sequence, participantDomain))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find planboard message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) FindPlanboardMessages(ctx context.Context, f contracts.MessageFilter) ([]*contracts.PlanboardMessage, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.DocumentType != "" {
		add("document_type = $%d", f.DocumentType)
	}
	if f.Sequence != 0 {
		add("sequence = $%d", f.Sequence)
	}
	if f.OriginSequence != 0 {
		add("origin_sequence = $%d", f.OriginSequence)
	}
	if f.ParticipantDomain != "" {
		add("participant_domain = $%d", f.ParticipantDomain)
	}
	if f.ConnectionGroupID != "" {
		add("connection_group = $%d", f.ConnectionGroupID)
	}
	if !f.PeriodStart.IsZero() {
		add("period >= $%d", day(f.PeriodStart))
	}
	if !f.PeriodEnd.IsZero() {
		add("period <= $%d", day(f.PeriodEnd))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.ExpiredAt != nil {
		add("expiration_date <= $%d", *f.ExpiredAt)
	}

	query := `SELECT ` + messageColumns + ` FROM planboard.planboard_message`
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY id"

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find planboard messages: %w", err)
	}
	defer rows.Close()

	var out []*contracts.PlanboardMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindPlanboardMessagesBySequence(ctx context.Context, sequence int64, participantDomain string) ([]*contracts.PlanboardMessage, error) {
	return s.FindPlanboardMessages(ctx, contracts.MessageFilter{Sequence: sequence, ParticipantDomain: participantDomain})
}

func (s *PostgresStore) RecordDeliveryFailure(ctx context.Context, key contracts.MessageKey, reason string) error {
	query := `
		UPDATE planboard.planboard_message
		SET delivery_error = $4, updated_at = NOW()
		WHERE document_type = $1 AND sequence = $2 AND participant_domain = $3
	`
	tag, err := s.q.Exec(ctx, query, key.DocumentType, key.Sequence, key.ParticipantDomain, reason)
	if err != nil {
		return fmt.Errorf("record delivery failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("planboard message %d: %w", key.Sequence, contracts.ErrNotFound)
	}
	return nil
}

// ============================================================================
// Connection groups
// ============================================================================

func (s *PostgresStore) StoreConnectionGroup(ctx context.Context, g contracts.ConnectionGroup) error {
	query := `
		INSERT INTO planboard.connection_group (usef_identifier, type, participant_domain, aggregator_domain)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (usef_identifier) DO UPDATE SET
			type = EXCLUDED.type,
			participant_domain = EXCLUDED.participant_domain,
			aggregator_domain = EXCLUDED.aggregator_domain
	`
	if _, err := s.q.Exec(ctx, query, g.USEFIdentifier, g.Type, g.ParticipantDomain, g.AggregatorDomain); err != nil {
		return fmt.Errorf("store connection group: %w", err)
	}
	return nil
}

func (s *PostgresStore) StoreConnection(ctx context.Context, c contracts.Connection) error {
	var until *time.Time
	if c.ValidUntil != nil {
		u := day(*c.ValidUntil)
		until = &u
	}
	query := `
		INSERT INTO planboard.connection (entity_address, connection_group, valid_from, valid_until)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.q.Exec(ctx, query, c.EntityAddress, c.ConnectionGroupID, day(c.ValidFrom), until); err != nil {
		return fmt.Errorf("store connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindConnectionGroup(ctx context.Context, id string) (*contracts.ConnectionGroup, error) {
	query := `
		SELECT usef_identifier, type, participant_domain, aggregator_domain
		FROM planboard.connection_group
		WHERE usef_identifier = $1
	`
	var g contracts.ConnectionGroup
	err := s.q.QueryRow(ctx, query, id).Scan(&g.USEFIdentifier, &g.Type, &g.ParticipantDomain, &g.AggregatorDomain)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find connection group: %w", err)
	}
	return &g, nil
}

func (s *PostgresStore) FindActiveConnectionGroups(ctx context.Context, from, until ptu.Date) ([]contracts.ConnectionGroup, error) {
	query := `
		SELECT DISTINCT g.usef_identifier, g.type, g.participant_domain, g.aggregator_domain
		FROM planboard.connection_group g
		JOIN planboard.connection c ON c.connection_group = g.usef_identifier
		WHERE c.valid_from <= $2 AND (c.valid_until IS NULL OR c.valid_until > $1)
		ORDER BY g.usef_identifier
	`
	rows, err := s.q.Query(ctx, query, day(from), day(until))
	if err != nil {
		return nil, fmt.Errorf("find active connection groups: %w", err)
	}
	defer rows.Close()

	var out []contracts.ConnectionGroup
	for rows.Next() {
		var g contracts.ConnectionGroup
		if err := rows.Scan(&g.USEFIdentifier, &g.Type, &g.ParticipantDomain, &g.AggregatorDomain); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindActiveConnections(ctx context.Context, groupID string, d ptu.Date) ([]contracts.Connection, error) {
	query := `
		SELECT entity_address, valid_from, valid_until
		FROM planboard.connection
		WHERE connection_group = $1 AND valid_from <= $2 AND (valid_until IS NULL OR valid_until > $2)
		ORDER BY entity_address
	`
	rows, err := s.q.Query(ctx, query, groupID, day(d))
	if err != nil {
		return nil, fmt.Errorf("find active connections: %w", err)
	}
	defer rows.Close()

	var out []contracts.Connection
	for rows.Next() {
		var (
			from  time.Time
			until *time.Time
		)
		c := contracts.Connection{ConnectionGroupID: groupID}
		if err := rows.Scan(&c.EntityAddress, &from, &until); err != nil {
			return nil, err
		}
		c.ValidFrom = ptu.DateOf(from)
		if until != nil {
			u := ptu.DateOf(*until)
			c.ValidUntil = &u
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ============================================================================
// Per-PTU flex documents
// ============================================================================

// flexWhere renders a FlexFilter as a WHERE clause starting at placeholder 1
func flexWhere(f contracts.FlexFilter) (string, []any) {
	clause := ` WHERE ($1 = 0 OR sequence = $1)
		AND ($2 = '' OR participant_domain = $2)
		AND ($3 = '' OR connection_group = $3)
		AND ($4::date IS NULL OR period >= $4)
		AND ($5::date IS NULL OR period <= $5)
		ORDER BY sequence, ptu_index`

	var start, end *time.Time
	if !f.PeriodStart.IsZero() {
		t := day(f.PeriodStart)
		start = &t
	}
	if !f.PeriodEnd.IsZero() {
		t := day(f.PeriodEnd)
		end = &t
	}
	return clause, []any{f.Sequence, f.ParticipantDomain, f.ConnectionGroupID, start, end}
}

func (s *PostgresStore) StoreFlexRequests(ctx context.Context, ptus []contracts.PtuFlexRequest) error {
	batch := &pgx.Batch{}
	for _, p := range ptus {
		batch.Queue(`
			INSERT INTO planboard.ptu_flex_request (sequence, participant_domain, connection_group, period, ptu_index, disposition, power)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.Sequence, p.ParticipantDomain, p.ConnectionGroupID, day(p.Container.Period), p.Container.Index, p.Disposition, p.Power)
	}
	return s.sendBatch(ctx, "store flex requests", batch, ptus)
}

func (s *PostgresStore) FindFlexRequests(ctx context.Context, f contracts.FlexFilter) ([]contracts.PtuFlexRequest, error) {
	where, args := flexWhere(f)
	rows, err := s.q.Query(ctx, `
		SELECT sequence, participant_domain, connection_group, period, ptu_index, disposition, power
		FROM planboard.ptu_flex_request`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("find flex requests: %w", err)
	}
	defer rows.Close()

	var out []contracts.PtuFlexRequest
	for rows.Next() {
		var (
			p      contracts.PtuFlexRequest
			period time.Time
		)
		if err := rows.Scan(&p.Sequence, &p.ParticipantDomain, &p.ConnectionGroupID, &period, &p.Container.Index, &p.Disposition, &p.Power); err != nil {
			return nil, err
		}
		p.Container.Period = ptu.DateOf(period)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StoreFlexOffers(ctx context.Context, ptus []contracts.PtuFlexOffer) error {
	batch := &pgx.Batch{}
	for _, p := range ptus {
		batch.Queue(`
			INSERT INTO planboard.ptu_flex_offer (sequence, participant_domain, connection_group, period, ptu_index, flex_request_sequence, power, price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric)`,
			p.Sequence, p.ParticipantDomain, p.ConnectionGroupID, day(p.Container.Period), p.Container.Index, p.FlexRequestSequence, p.Power, p.Price.String())
	}
	return s.sendBatch(ctx, "store flex offers", batch, ptus)
}

func (s *PostgresStore) FindFlexOffers(ctx context.Context, f contracts.FlexFilter) ([]contracts.PtuFlexOffer, error) {
	where, args := flexWhere(f)
	rows, err := s.q.Query(ctx, `
		SELECT sequence, participant_domain, connection_group, period, ptu_index, flex_request_sequence, power, price::text
		FROM planboard.ptu_flex_offer`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("find flex offers: %w", err)
	}
	defer rows.Close()

	var out []contracts.PtuFlexOffer
	for rows.Next() {
		var (
			p      contracts.PtuFlexOffer
			period time.Time
			price  string
		)
		if err := rows.Scan(&p.Sequence, &p.ParticipantDomain, &p.ConnectionGroupID, &period, &p.Container.Index, &p.FlexRequestSequence, &p.Power, &price); err != nil {
			return nil, err
		}
		p.Container.Period = ptu.DateOf(period)
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("flex offer %d price %q: %w", p.Sequence, price, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StoreFlexOrders(ctx context.Context, ptus []contracts.PtuFlexOrder) error {
	batch := &pgx.Batch{}
	for _, p := range ptus {
		batch.Queue(`
			INSERT INTO planboard.ptu_flex_order (sequence, participant_domain, connection_group, period, ptu_index, flex_offer_sequence, power, price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric)`,
			p.Sequence, p.ParticipantDomain, p.ConnectionGroupID, day(p.Container.Period), p.Container.Index, p.FlexOfferSequence, p.Power, p.Price.String())
	}
	return s.sendBatch(ctx, "store flex orders", batch, ptus)
}

func (s *PostgresStore) FindFlexOrders(ctx context.Context, f contracts.FlexFilter) ([]contracts.PtuFlexOrder, error) {
	where, args := flexWhere(f)
	rows, err := s.q.Query(ctx, `
		SELECT sequence, participant_domain, connection_group, period, ptu_index, flex_offer_sequence, power, price::text
		FROM planboard.ptu_flex_order`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("find flex orders: %w", err)
	}
	defer rows.Close()

	var out []contracts.PtuFlexOrder
	for rows.Next() {
		var (
			p      contracts.PtuFlexOrder
			period time.Time
			price  string
		)
		if err := rows.Scan(&p.Sequence, &p.ParticipantDomain, &p.ConnectionGroupID, &period, &p.Container.Index, &p.FlexOfferSequence, &p.Power, &price); err != nil {
			return nil, err
		}
		p.Container.Period = ptu.DateOf(period)
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("flex order %d price %q: %w", p.Sequence, price, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StorePrognoses(ctx context.Context, ptus []contracts.PtuPrognosis) error {
	batch := &pgx.Batch{}
	for _, p := range ptus {
		batch.Queue(`
			INSERT INTO planboard.ptu_prognosis (sequence, participant_domain, connection_group, period, ptu_index, prognosis_type, power)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.Sequence, p.ParticipantDomain, p.ConnectionGroupID, day(p.Container.Period), p.Container.Index, p.Type, p.Power)
	}
	return s.sendBatch(ctx, "store prognoses", batch, ptus)
}

func (s *PostgresStore) FindPrognoses(ctx context.Context, f contracts.FlexFilter) ([]contracts.PtuPrognosis, error) {
	where, args := flexWhere(f)
	rows, err := s.q.Query(ctx, `
		SELECT sequence, participant_domain, connection_group, period, ptu_index, prognosis_type, power
		FROM planboard.ptu_prognosis`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("find prognoses: %w", err)
	}
	defer rows.Close()

	var out []contracts.PtuPrognosis
	for rows.Next() {
		var (
			p      contracts.PtuPrognosis
			period time.Time
		)
		if err := rows.Scan(&p.Sequence, &p.ParticipantDomain, &p.ConnectionGroupID, &period, &p.Container.Index, &p.Type, &p.Power); err != nil {
			return nil, err
		}
		p.Container.Period = ptu.DateOf(period)
		out = append(out, p)
	}
	return out, rows.Err()
}

// sendBatch creates the PTU containers for rows and executes batch
func (s *PostgresStore) sendBatch(ctx context.Context, what string, batch *pgx.Batch, rows any) error {
	if batch.Len() == 0 {
		return nil
	}
	if err := s.ensureContainers(ctx, rows); err != nil {
		return err
	}

	results := s.batchSender().SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
	}
	return nil
}

func (s *PostgresStore) batchSender() interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
} {
	if tx, ok := s.q.(pgx.Tx); ok {
		return tx
	}
	return s.db.Pool
}

func (s *PostgresStore) ensureContainers(ctx context.Context, rows any) error {
	seen := map[contracts.PtuContainer]bool{}
	visit := func(c contracts.PtuContainer) error {
		if seen[c] {
			return nil
		}
		seen[c] = true
		_, err := s.FindOrCreatePtuContainer(ctx, c.Period, c.Index)
		return err
	}

	switch v := rows.(type) {
	case []contracts.PtuFlexRequest:
		for _, p := range v {
			if err := visit(p.Container); err != nil {
				return err
			}
		}
	case []contracts.PtuFlexOffer:
		for _, p := range v {
			if err := visit(p.Container); err != nil {
				return err
			}
		}
	case []contracts.PtuFlexOrder:
		for _, p := range v {
			if err := visit(p.Container); err != nil {
				return err
			}
		}
	case []contracts.PtuPrognosis:
		for _, p := range v {
			if err := visit(p.Container); err != nil {
				return err
			}
		}
	case []contracts.MeterData:
		for _, p := range v {
			if err := visit(p.Container); err != nil {
				return err
			}
		}
	}
	return nil
}

// ============================================================================
// Meter data and settlements
// ============================================================================

func (s *PostgresStore) StoreMeterData(ctx context.Context, data []contracts.MeterData) error {
	batch := &pgx.Batch{}
	for _, d := range data {
		batch.Queue(`
			INSERT INTO planboard.meter_data (period, ptu_index, connection_group, power)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (period, ptu_index, connection_group) DO UPDATE SET power = EXCLUDED.power`,
			day(d.Container.Period), d.Container.Index, d.ConnectionGroupID, d.Power)
	}
	return s.sendBatch(ctx, "store meter data", batch, data)
}

func (s *PostgresStore) FindMeterData(ctx context.Context, groupID string, from, until ptu.Date) ([]contracts.MeterData, error) {
	query := `
		SELECT period, ptu_index, connection_group, power
		FROM planboard.meter_data
		WHERE ($1 = '' OR connection_group = $1) AND period BETWEEN $2 AND $3
		ORDER BY period, ptu_index, connection_group
	`
	rows, err := s.q.Query(ctx, query, groupID, day(from), day(until))
	if err != nil {
		return nil, fmt.Errorf("find meter data: %w", err)
	}
	defer rows.Close()

	var out []contracts.MeterData
	for rows.Next() {
		var (
			d      contracts.MeterData
			period time.Time
		)
		if err := rows.Scan(&period, &d.Container.Index, &d.ConnectionGroupID, &d.Power); err != nil {
			return nil, err
		}
		d.Container.Period = ptu.DateOf(period)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StoreSettlement(ctx context.Context, st *contracts.FlexOrderSettlement) error {
	ptusJSON, err := json.Marshal(st.Ptus)
	if err != nil {
		return fmt.Errorf("marshal settlement ptus: %w", err)
	}

	query := `
		INSERT INTO planboard.flex_order_settlement (
			sequence, order_sequence, participant_domain, connection_group, period, ptus, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`
	err = s.q.QueryRow(ctx, query,
		st.Sequence, st.OrderSequence, st.ParticipantDomain, st.ConnectionGroupID, day(st.Period), ptusJSON,
	).Scan(&st.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("settlement %d: %w", st.Sequence, contracts.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("store settlement: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindSettlements(ctx context.Context, from, until ptu.Date) ([]contracts.FlexOrderSettlement, error) {
	query := `
		SELECT sequence, order_sequence, participant_domain, connection_group, period, ptus, created_at
		FROM planboard.flex_order_settlement
		WHERE period BETWEEN $1 AND $2
		ORDER BY sequence
	`
	rows, err := s.q.Query(ctx, query, day(from), day(until))
	if err != nil {
		return nil, fmt.Errorf("find settlements: %w", err)
	}
	defer rows.Close()

	var out []contracts.FlexOrderSettlement
	for rows.Next() {
		var (
			st       contracts.FlexOrderSettlement
			period   time.Time
			ptusJSON []byte
		)
		if err := rows.Scan(&st.Sequence, &st.OrderSequence, &st.ParticipantDomain, &st.ConnectionGroupID, &period, &ptusJSON, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.Period = ptu.DateOf(period)
		if err := json.Unmarshal(ptusJSON, &st.Ptus); err != nil {
			return nil, fmt.Errorf("settlement %d ptus: %w", st.Sequence, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ============================================================================
// UDI portfolio
// ============================================================================

func (s *PostgresStore) StoreUdi(ctx context.Context, udi contracts.Udi) error {
	query := `
		INSERT INTO planboard.udi (endpoint, connection_group, dtu_size)
		VALUES ($1, $2, $3)
		ON CONFLICT (endpoint) DO UPDATE SET
			connection_group = EXCLUDED.connection_group,
			dtu_size = EXCLUDED.dtu_size
	`
	if _, err := s.q.Exec(ctx, query, udi.Endpoint, udi.ConnectionGroupID, udi.DtuSize); err != nil {
		return fmt.Errorf("store udi: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindUdis(ctx context.Context, groupID string) ([]contracts.Udi, error) {
	query := `
		SELECT endpoint, connection_group, dtu_size
		FROM planboard.udi
		WHERE ($1 = '' OR connection_group = $1)
		ORDER BY endpoint
	`
	rows, err := s.q.Query(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("find udis: %w", err)
	}
	defer rows.Close()

	var out []contracts.Udi
	for rows.Next() {
		var u contracts.Udi
		if err := rows.Scan(&u.Endpoint, &u.ConnectionGroupID, &u.DtuSize); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StoreUdiForecast(ctx context.Context, f contracts.UdiForecast) error {
	dtus, err := json.Marshal(f.Dtus)
	if err != nil {
		return fmt.Errorf("marshal udi forecast: %w", err)
	}
	query := `
		INSERT INTO planboard.udi_forecast (endpoint, period, dtus)
		VALUES ($1, $2, $3)
		ON CONFLICT (endpoint, period) DO UPDATE SET dtus = EXCLUDED.dtus
	`
	if _, err := s.q.Exec(ctx, query, f.Endpoint, day(f.Period), dtus); err != nil {
		return fmt.Errorf("store udi forecast: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindUdiForecasts(ctx context.Context, period ptu.Date) ([]contracts.UdiForecast, error) {
	query := `
		SELECT endpoint, dtus
		FROM planboard.udi_forecast
		WHERE period = $1
		ORDER BY endpoint
	`
	rows, err := s.q.Query(ctx, query, day(period))
	if err != nil {
		return nil, fmt.Errorf("find udi forecasts: %w", err)
	}
	defer rows.Close()

	var out []contracts.UdiForecast
	for rows.Next() {
		var raw []byte
		f := contracts.UdiForecast{Period: period}
		if err := rows.Scan(&f.Endpoint, &raw); err != nil {
			return nil, err
		}
		f.Dtus = map[int]*reconcile.PowerData{}
		if err := json.Unmarshal(raw, &f.Dtus); err != nil {
			return nil, fmt.Errorf("udi forecast %s: %w", f.Endpoint, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StorePortfolioSnapshot(ctx context.Context, snap contracts.PortfolioSnapshot) error {
	ptus, err := json.Marshal(snap.Ptus)
	if err != nil {
		return fmt.Errorf("marshal portfolio snapshot: %w", err)
	}
	query := `
		INSERT INTO planboard.portfolio_snapshot (connection_group, period, ptus, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (connection_group, period) DO UPDATE SET
			ptus = EXCLUDED.ptus,
			created_at = EXCLUDED.created_at
	`
	if _, err := s.q.Exec(ctx, query, snap.ConnectionGroupID, day(snap.Period), ptus); err != nil {
		return fmt.Errorf("store portfolio snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindPortfolioSnapshots(ctx context.Context, period ptu.Date) ([]contracts.PortfolioSnapshot, error) {
	query := `
		SELECT connection_group, ptus, created_at
		FROM planboard.portfolio_snapshot
		WHERE period = $1
		ORDER BY connection_group
	`
	rows, err := s.q.Query(ctx, query, day(period))
	if err != nil {
		return nil, fmt.Errorf("find portfolio snapshots: %w", err)
	}
	defer rows.Close()

	var out []contracts.PortfolioSnapshot
	for rows.Next() {
		var raw []byte
		snap := contracts.PortfolioSnapshot{Period: period}
		if err := rows.Scan(&snap.ConnectionGroupID, &raw, &snap.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &snap.Ptus); err != nil {
			return nil, fmt.Errorf("portfolio snapshot %s: %w", snap.ConnectionGroupID, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
