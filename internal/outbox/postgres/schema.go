// Copyright 2025 James Ross
package postgres

// Schema is the DDL for the outbox_transport_event table (§6.1). It is
// idempotent and safe to run on every startup; migrations past this baseline
// are expected to be managed externally.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_transport_event (
	id                       BIGSERIAL PRIMARY KEY,
	event_name               TEXT NOT NULL,
	event_payload            JSONB NOT NULL,
	delivered_to_listeners   JSONB NOT NULL DEFAULT '{}'::jsonb,
	attempt_at               BIGINT,
	retry_count              INTEGER NOT NULL DEFAULT 0,
	status                   TEXT NOT NULL DEFAULT 'pending',
	expire_at                BIGINT NOT NULL,
	inserted_at              BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_transport_event_status
	ON outbox_transport_event (status);

CREATE INDEX IF NOT EXISTS idx_outbox_transport_event_status_attempt_at
	ON outbox_transport_event (status, attempt_at);

CREATE OR REPLACE FUNCTION outbox_transport_event_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('inbox_outbox_event', NEW.id::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS outbox_transport_event_notify_trigger ON outbox_transport_event;
CREATE TRIGGER outbox_transport_event_notify_trigger
	AFTER INSERT ON outbox_transport_event
	FOR EACH ROW EXECUTE FUNCTION outbox_transport_event_notify();
`
