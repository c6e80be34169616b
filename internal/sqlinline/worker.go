package sqlinline

// QClaimPendingImages moves up to $1 pending images to processing, oldest job
// first and by ordinal within a job. $2 caps processing images per user; zero
// disables the cap. Rows locked by another claimer are skipped.
const QClaimPendingImages = `--sql caa8c57d-daa6-41da-a0e2-cd38782e28c3
with inflight as (
    select j.user_id, count(*) as n
    from job_images i
    join jobs j on j.id = i.job_id
    where i.status = 'processing'
    group by j.user_id
),
candidates as (
    select i.id, i.job_id, i.ordinal, j.user_id, j.created_at
    from job_images i
    join jobs j on j.id = i.job_id
    where i.status = 'pending'
      and j.status in ('queued', 'processing')
    order by j.created_at asc, i.ordinal asc
    limit 500
    for update of i skip locked
),
ranked as (
    select c.*, row_number() over (partition by c.user_id order by c.created_at, c.ordinal) as rn
    from candidates c
),
picked as (
    select r.id
    from ranked r
    left join inflight f on f.user_id = r.user_id
    where $2::int <= 0 or coalesce(f.n, 0) + r.rn <= $2::int
    order by r.created_at asc, r.ordinal asc
    limit $1::int
),
claimed as (
    update job_images i set
        status = 'processing',
        started_at = now(),
        updated_at = now()
    from picked p
    where i.id = p.id
    returning i.id, i.job_id, i.ordinal, i.input_url, i.billing_round, i.reservation_id
),
touched as (
    update jobs j set
        status = case when j.status = 'queued' then 'processing' else j.status end,
        started_at = coalesce(j.started_at, now()),
        updated_at = now()
    where j.id in (select distinct job_id from claimed)
    returning j.id, j.user_id, j.template_payload, j.created_at
)
select
    c.id::text, c.job_id::text, t.user_id, c.input_url, c.billing_round,
    c.reservation_id::text, t.template_payload
from claimed c
join touched t on t.id = c.job_id
order by t.created_at asc, c.ordinal asc;
`

const QSelectStaleProcessing = `--sql ec45745c-afca-4b87-9ad1-a6cd5da95244
select
    id::text, job_id::text, ordinal, input_url, output_url, status, error_kind, error_detail,
    attempt_count, total_attempts, billing_round, reservation_id::text, used_fallback,
    started_at, finished_at, updated_at
from job_images
where status = 'processing'
  and started_at < $1::timestamptz
order by started_at asc
limit $2::int;
`
