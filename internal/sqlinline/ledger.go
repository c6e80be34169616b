package sqlinline

// QLockCoinAccount creates the account on first use and holds its row lock
// until the surrounding transaction ends.
const QLockCoinAccount = `--sql a097c84c-4063-4597-bf0c-081f20b1d52c
insert into coin_accounts (user_id, created_at, updated_at)
values ($1::text, now(), now())
on conflict (user_id) do update set updated_at = now()
returning user_id;
`

const QSelectBalance = `--sql 8e0d2638-2874-4433-a224-0d7ab91ebe4f
select coalesce(sum(amount), 0)::bigint
from ledger_entries
where user_id = $1::text;
`

const QInsertLedgerEntry = `--sql ce6d4a64-daa9-4bc3-9555-f7c35a7aebfb
insert into ledger_entries (
    id, user_id, job_id, image_id, reservation_id,
    kind, amount, coins, reason, idempotency_key, created_at
)
values (
    $1::uuid, $2::text, nullif($3::text, '')::uuid, nullif($4::text, '')::uuid, nullif($5::text, '')::uuid,
    $6::text, $7::bigint, $8::bigint, $9::text, $10::text, $11::timestamptz
)
on conflict (idempotency_key) do nothing;
`

const QSelectLedgerByKey = `--sql f195b359-fc1d-42fa-8714-faf2ce97861e
select
    id::text, user_id, coalesce(job_id::text, ''), coalesce(image_id::text, ''), coalesce(reservation_id::text, ''),
    kind, amount, coins, reason, idempotency_key, created_at
from ledger_entries
where idempotency_key = $1::text;
`

const QSelectReservationEntries = `--sql 53c6b07c-97d6-4f41-8cc1-988577b0b977
select
    id::text, user_id, coalesce(job_id::text, ''), coalesce(image_id::text, ''), coalesce(reservation_id::text, ''),
    kind, amount, coins, reason, idempotency_key, created_at
from ledger_entries
where reservation_id = $1::uuid
order by created_at asc, id asc;
`

const QSelectJobLedger = `--sql d3da1827-0cd0-48f8-9227-1904ec32519d
select
    id::text, user_id, coalesce(job_id::text, ''), coalesce(image_id::text, ''), coalesce(reservation_id::text, ''),
    kind, amount, coins, reason, idempotency_key, created_at
from ledger_entries
where job_id = $1::uuid
order by created_at asc, id asc;
`
