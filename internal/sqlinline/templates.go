package sqlinline

const QSelectTemplate = `--sql 29d830f0-1998-4d6e-8413-9e5f662f9fc3
select
    id, name, category, background_style, lighting_preset, settings,
    coin_cost, is_active, deleted_at, created_at
from templates
where id = $1::text;
`
