package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pending_reveals (
	pool_id BYTEA NOT NULL,
	commitment BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (pool_id, commitment),

	CONSTRAINT pending_pool_id_len CHECK (octet_length(pool_id) = 32),
	CONSTRAINT pending_commitment_len CHECK (octet_length(commitment) = 32)
);

CREATE INDEX IF NOT EXISTS pending_reveals_pool_age_idx
	ON pending_reveals (pool_id, created_at, commitment);

CREATE TABLE IF NOT EXISTS perp_orders (
	commitment BYTEA PRIMARY KEY,
	trader BYTEA NOT NULL,
	market BYTEA NOT NULL,

	size NUMERIC(78,0) NOT NULL,
	is_long BOOLEAN NOT NULL,
	is_open BOOLEAN NOT NULL,
	collateral NUMERIC(78,0) NOT NULL,
	leverage_bps INTEGER NOT NULL,
	nonce BIGINT NOT NULL,
	deadline TIMESTAMPTZ NOT NULL,

	status SMALLINT NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT order_commitment_len CHECK (octet_length(commitment) = 32),
	CONSTRAINT order_trader_len CHECK (octet_length(trader) = 20),
	CONSTRAINT order_market_len CHECK (octet_length(market) = 32),
	CONSTRAINT order_size_pos CHECK (size > 0),
	CONSTRAINT order_collateral_pos CHECK (collateral > 0),
	CONSTRAINT order_leverage_range CHECK (leverage_bps > 0 AND leverage_bps <= 10000),
	CONSTRAINT order_status_range CHECK (status >= 1 AND status <= 3)
);

CREATE INDEX IF NOT EXISTS perp_orders_status_idx ON perp_orders (status);

CREATE TABLE IF NOT EXISTS perp_trades (
	commitment BYTEA PRIMARY KEY,
	trader BYTEA NOT NULL,
	market BYTEA NOT NULL,

	size NUMERIC(78,0) NOT NULL,
	is_long BOOLEAN NOT NULL,
	is_open BOOLEAN NOT NULL,
	collateral NUMERIC(78,0) NOT NULL,
	leverage_bps INTEGER NOT NULL,

	tx_hash BYTEA NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL,
	realized_pnl NUMERIC(78,0),

	CONSTRAINT trade_commitment_len CHECK (octet_length(commitment) = 32),
	CONSTRAINT trade_trader_len CHECK (octet_length(trader) = 20),
	CONSTRAINT trade_market_len CHECK (octet_length(market) = 32),
	CONSTRAINT trade_tx_hash_len CHECK (octet_length(tx_hash) = 32)
);

CREATE INDEX IF NOT EXISTS perp_trades_trader_idx ON perp_trades (trader, executed_at);
`
