package sqlinline

const QInsertJob = `--sql cdfc465d-a4ff-47d6-8ba3-522d8005811c
insert into jobs (
    id, user_id, template_id, template_payload, coin_cost, total_images,
    completed_images, failed_images, status, client_ip, client_country,
    created_at, updated_at
)
values (
    $1::uuid, $2::text, $3::text, $4::jsonb, $5::int, $6::int,
    0, 0, $7::text, $8::text, $9::text,
    $10::timestamptz, $10::timestamptz
);
`

// QInsertJobImages inserts a whole batch from parallel arrays.
const QInsertJobImages = `--sql c4d73bba-a11c-4a29-9c62-741bcc20c70e
insert into job_images (
    id, job_id, ordinal, input_url, status, billing_round, reservation_id, updated_at
)
select
    t.id, t.job_id, t.ordinal, t.input_url, 'pending', t.billing_round, t.reservation_id, $7::timestamptz
from unnest(
    $1::uuid[], $2::uuid[], $3::int[], $4::text[], $5::int[], $6::uuid[]
) as t(id, job_id, ordinal, input_url, billing_round, reservation_id);
`

const QSelectJob = `--sql dcbcfa79-2fc2-470c-8dec-c99b6f0dbd99
select
    id::text, user_id, template_id, template_payload, coin_cost, total_images,
    completed_images, failed_images, status, client_ip, client_country,
    created_at, started_at, completed_at, updated_at
from jobs
where id = $1::uuid;
`

const QLockJob = `--sql 127a1f06-cce4-401e-a96d-eb5d6d37e2ea
select
    id::text, user_id, template_id, template_payload, coin_cost, total_images,
    completed_images, failed_images, status, client_ip, client_country,
    created_at, started_at, completed_at, updated_at
from jobs
where id = $1::uuid
for update;
`

const QListJobsByUser = `--sql 6562fa4a-bbad-481c-9b2a-9b3ea9d8d5ed
select
    id::text, user_id, template_id, template_payload, coin_cost, total_images,
    completed_images, failed_images, status, client_ip, client_country,
    created_at, started_at, completed_at, updated_at
from jobs
where user_id = $1::text
order by created_at desc, id desc
limit $2::int;
`

const QUpdateJob = `--sql 303eebb1-b895-432d-87f1-4bfd77d2d5bc
update jobs set
    completed_images = $2::int,
    failed_images = $3::int,
    status = $4::text,
    started_at = $5::timestamptz,
    completed_at = $6::timestamptz,
    updated_at = $7::timestamptz
where id = $1::uuid;
`

const QSelectJobImages = `--sql 77a2f13d-e7c2-4e5d-98d7-1d63a09cf6d3
select
    id::text, job_id::text, ordinal, input_url, output_url, status, error_kind, error_detail,
    attempt_count, total_attempts, billing_round, reservation_id::text, used_fallback,
    started_at, finished_at, updated_at
from job_images
where job_id = $1::uuid
order by ordinal asc;
`

const QUpdateJobImage = `--sql f420d08e-e184-4c95-b59f-7257db087d9f
update job_images set
    output_url = $2::text,
    status = $3::text,
    error_kind = $4::text,
    error_detail = $5::text,
    attempt_count = $6::int,
    total_attempts = $7::int,
    billing_round = $8::int,
    reservation_id = $9::uuid,
    used_fallback = $10::bool,
    started_at = $11::timestamptz,
    finished_at = $12::timestamptz,
    updated_at = $13::timestamptz
where id = $1::uuid;
`
