package tables

import "github.com/JonMunkholm/sheetsync/internal/core"

// Reference data: users, barcodes and routes.

func init() {
	register("db_usuario", true,
		column{"cd", core.TypeInteger},
		column{"mat", core.TypeText},
		column{"nome", core.TypeText},
		column{"dt_nasc", core.TypeDate},
		column{"dt_adm", core.TypeDate},
		column{"cargo", core.TypeText},
		column{"cd_nome", core.TypeText},
	)

	// Barcodes are shared by every distribution center.
	register("db_barras", false,
		column{"coddv", core.TypeInteger},
		column{"descricao", core.TypeText},
		column{"barras", core.TypeText},
	)

	register("db_rotas", true,
		column{"cd", core.TypeInteger},
		column{"filial", core.TypeBigint},
		column{"uf", core.TypeText},
		column{"nome", core.TypeText},
		column{"rota", core.TypeText},
	)
}
